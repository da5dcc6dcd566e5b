package blob

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Open for a reference with no stored object.
var ErrNotFound = errors.New("blob not found")

// Sink stores uploaded bytes under generated names and reads them back by
// the reference Put returned.
type Sink interface {
	Put(ctx context.Context, filename string, data []byte) (ref string, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Open returns the sink for location: a gs://bucket/prefix URL selects
// Google Cloud Storage, anything else is a local directory.
func Open(ctx context.Context, location string) (Sink, error) {
	if strings.HasPrefix(location, "gs://") {
		bucket, prefix, err := parseGCSURL(location)
		if err != nil {
			return nil, err
		}
		return NewGCSSink(ctx, bucket, prefix)
	}
	return NewLocalSink(location)
}

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// objectName returns a random name that keeps the original extension when
// it is short and alphanumeric.
func objectName(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !safeExt.MatchString(ext) {
		ext = ""
	}
	return uuid.NewString() + ext
}
