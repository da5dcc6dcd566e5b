package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSSink writes uploads to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink creates a client with application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Put creates gs://bucket/prefix/<uuid><ext>. The write is conditional on
// the object not existing, so a name collision fails instead of overwriting.
func (s *GCSSink) Put(ctx context.Context, filename string, data []byte) (string, error) {
	name := path.Join(s.prefix, objectName(filename))
	w := s.client.Bucket(s.bucket).Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = http.DetectContentType(data)

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("writing gs://%s/%s: %w", s.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return "", fmt.Errorf("object gs://%s/%s already exists", s.bucket, name)
		}
		return "", fmt.Errorf("finalizing gs://%s/%s: %w", s.bucket, name, err)
	}
	return "gs://" + s.bucket + "/" + name, nil
}

func (s *GCSSink) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, name, err := parseGCSURL(ref)
	if err != nil {
		return nil, err
	}
	if bucket != s.bucket {
		return nil, fmt.Errorf("blob reference %q is not in bucket %s", ref, s.bucket)
	}
	r, err := s.client.Bucket(bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}
	return r, nil
}

// Close releases the storage client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}

// parseGCSURL splits gs://bucket/object into its parts. The object may be empty.
func parseGCSURL(u string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(u, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// url: %q", u)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", u)
	}
	return bucket, object, nil
}
