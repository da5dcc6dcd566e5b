package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/rohit280101/AI-IDP/internal/engine"
)

// Content types the extractor understands.
const (
	TypePDF      = "application/pdf"
	TypePNG      = "image/png"
	TypeJPEG     = "image/jpeg"
	TypeText     = "text/plain"
	TypeHTML     = "text/html"
	TypeMarkdown = "text/markdown"
)

// ErrUnsupportedType is returned for content types with no extractor.
var ErrUnsupportedType = errors.New("unsupported content type")

// Extractor turns uploaded bytes into raw text. Images go through a vision
// model on the inference engine; everything else is parsed locally.
type Extractor struct {
	engine      engine.Engine
	visionModel string
	maxPages    int
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithVision enables image OCR through model on e.
func WithVision(e engine.Engine, model string) Option {
	return func(x *Extractor) {
		x.engine = e
		x.visionModel = model
	}
}

// WithMaxPages rejects PDFs with more pages than n. Zero means no limit.
func WithMaxPages(n int) Option {
	return func(x *Extractor) { x.maxPages = n }
}

func New(opts ...Option) *Extractor {
	x := &Extractor{}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Supported reports whether contentType has an extractor.
func Supported(contentType string) bool {
	switch mediaType(contentType) {
	case TypePDF, TypePNG, TypeJPEG, TypeText, TypeHTML, TypeMarkdown:
		return true
	}
	return false
}

// Extract returns the raw text of data. The result may be empty when the
// document has no text content.
func (x *Extractor) Extract(ctx context.Context, contentType string, data []byte) (string, error) {
	switch mt := mediaType(contentType); mt {
	case TypePDF:
		return x.extractPDF(data)
	case TypePNG, TypeJPEG:
		return x.extractImage(ctx, data)
	case TypeText:
		return string(data), nil
	case TypeHTML:
		return htmlToText(strings.NewReader(string(data)))
	case TypeMarkdown:
		return markdownToText(data)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
