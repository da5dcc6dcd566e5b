package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rohit280101/AI-IDP/internal/storage"
	"github.com/rohit280101/AI-IDP/internal/textnorm"
)

// DefaultMaxBytes bounds how much of a stored upload is read back for extraction.
const DefaultMaxBytes = 10 << 20

// DocumentStore is the persistence the processor needs.
type DocumentStore interface {
	GetDocument(id string) (storage.Document, error)
	UpdateDocument(d storage.Document) error
}

// BlobReader opens previously stored upload bytes.
type BlobReader interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// TextExtractor turns raw upload bytes into text.
type TextExtractor interface {
	Extract(ctx context.Context, contentType string, data []byte) (string, error)
}

// DocumentEmbedder embeds a document's text and appends it to the index.
type DocumentEmbedder interface {
	EmbedDocument(ctx context.Context, documentID, text string) error
}

// DocumentClassifier assigns a label to a document's text.
type DocumentClassifier interface {
	Classify(ctx context.Context, text string) (*storage.Classification, error)
}

// StageTimeouts bounds each stage of a run. Zero disables the bound.
type StageTimeouts struct {
	Extract  time.Duration
	Embed    time.Duration
	Classify time.Duration
}

// Processor drives a document through extraction, normalization, embedding
// and classification, persisting its state after every stage.
type Processor struct {
	store      DocumentStore
	blobs      BlobReader
	extractor  TextExtractor
	embedder   DocumentEmbedder
	classifier DocumentClassifier
	timeouts   StageTimeouts
	maxBytes   int64
	logger     *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithTimeouts sets per-stage timeouts.
func WithTimeouts(t StageTimeouts) Option {
	return func(p *Processor) { p.timeouts = t }
}

// WithMaxBytes caps the number of upload bytes read for extraction.
func WithMaxBytes(n int64) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// WithLogger sets the base logger; runs add trace_id and document_id to it.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor creates a Processor wired to its stages. The classifier may
// be nil, in which case classification is always left empty.
func NewProcessor(
	store DocumentStore,
	blobs BlobReader,
	extractor TextExtractor,
	embedder DocumentEmbedder,
	classifier DocumentClassifier,
	opts ...Option,
) *Processor {
	p := &Processor{
		store:      store,
		blobs:      blobs,
		extractor:  extractor,
		embedder:   embedder,
		classifier: classifier,
		maxBytes:   DefaultMaxBytes,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type traceKey struct{}

// WithTraceID returns a context carrying id as the trace id of the next run.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceID returns the trace id stored in ctx, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// Process runs the pipeline for one document:
//  1. Mark the document (and its embedding) processing
//  2. Read the upload back and extract text; on failure mark failed and stop
//  3. Normalize and persist raw and cleaned text
//  4. Embed non-empty text into the vector index (failure is recorded, not fatal)
//  5. Classify non-empty text (failure leaves classification empty)
//  6. Mark the document completed
//
// Stage failures are recorded on the document and Process returns nil. An
// error is returned only when the document cannot be loaded, its state
// cannot be persisted, or ctx is cancelled mid-run; in the last case the
// document is left processing so the job can be picked up again.
func (p *Processor) Process(ctx context.Context, documentID string) error {
	traceID := TraceID(ctx)
	if traceID == "" {
		traceID = uuid.New().String()
	}
	log := p.logger.With("trace_id", traceID, "document_id", documentID)
	start := time.Now()

	doc, err := p.store.GetDocument(documentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", documentID, err)
	}

	doc.Status = storage.StatusProcessing
	doc.EmbeddingStatus = storage.StatusProcessing
	doc.RawText = nil
	doc.CleanedText = nil
	doc.Classification = nil
	if err := p.store.UpdateDocument(doc); err != nil {
		return fmt.Errorf("marking document %s processing: %w", documentID, err)
	}
	log.Info("processing started", "filename", doc.Filename, "content_type", doc.ContentType)

	if err := p.run(ctx, log, &doc); err != nil {
		if ctx.Err() != nil {
			log.Warn("processing interrupted", "error", err, "duration", time.Since(start))
			return ctx.Err()
		}
		log.Error("processing failed", "error", err)
		doc.Status = storage.StatusFailed
		doc.EmbeddingStatus = storage.StatusFailed
		if perr := p.store.UpdateDocument(doc); perr != nil {
			log.Error("recording failure", "error", perr)
			return fmt.Errorf("recording failure of document %s: %w", documentID, perr)
		}
	}

	log.Info("processing finished",
		"status", doc.Status,
		"embedding_status", doc.EmbeddingStatus,
		"duration", time.Since(start),
	)
	return nil
}

// run executes stages 2-6. A returned error means the run hit a fault it
// could not record as a stage outcome.
func (p *Processor) run(ctx context.Context, log *slog.Logger, doc *storage.Document) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	raw, err := p.extract(ctx, *doc)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Warn("extraction failed", "error", err)
		doc.Status = storage.StatusFailed
		doc.EmbeddingStatus = storage.StatusFailed
		if err := p.store.UpdateDocument(*doc); err != nil {
			return fmt.Errorf("saving extraction failure: %w", err)
		}
		return nil
	}

	cleaned := textnorm.Normalize(raw)
	doc.RawText = &raw
	doc.CleanedText = &cleaned
	if err := p.store.UpdateDocument(*doc); err != nil {
		return fmt.Errorf("saving extracted text: %w", err)
	}
	log.Debug("text extracted", "raw_len", len(raw), "cleaned_len", len(cleaned))

	if cleaned == "" {
		doc.EmbeddingStatus = storage.StatusSkipped
		log.Info("no text to embed")
	} else if err := p.embed(ctx, doc.ID, cleaned); err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Warn("embedding failed", "error", err)
		doc.EmbeddingStatus = storage.StatusFailed
	} else {
		doc.EmbeddingStatus = storage.StatusCompleted
	}
	if err := p.store.UpdateDocument(*doc); err != nil {
		return fmt.Errorf("saving embedding status: %w", err)
	}

	if cleaned != "" && p.classifier != nil {
		c, err := p.classify(ctx, cleaned)
		switch {
		case err != nil && ctx.Err() != nil:
			return err
		case err != nil:
			log.Warn("classification failed", "error", err)
		case c != nil:
			doc.Classification = c
			log.Debug("document classified", "label", c.Label, "score", c.Score)
		}
	}

	doc.Status = storage.StatusCompleted
	if err := p.store.UpdateDocument(*doc); err != nil {
		return fmt.Errorf("saving completed document: %w", err)
	}
	return nil
}

func (p *Processor) extract(ctx context.Context, doc storage.Document) (string, error) {
	ctx, cancel := withTimeout(ctx, p.timeouts.Extract)
	defer cancel()

	rc, err := p.blobs.Open(ctx, doc.StorageRef)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", doc.StorageRef, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, p.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", doc.StorageRef, err)
	}
	if int64(len(data)) > p.maxBytes {
		return "", errTooLarge
	}
	return p.extractor.Extract(ctx, doc.ContentType, data)
}

var errTooLarge = errors.New("stored document exceeds size limit")

func (p *Processor) embed(ctx context.Context, id, text string) error {
	ctx, cancel := withTimeout(ctx, p.timeouts.Embed)
	defer cancel()
	return p.embedder.EmbedDocument(ctx, id, text)
}

func (p *Processor) classify(ctx context.Context, text string) (*storage.Classification, error) {
	ctx, cancel := withTimeout(ctx, p.timeouts.Classify)
	defer cancel()
	return p.classifier.Classify(ctx, text)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
