package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rohit280101/AI-IDP/internal/storage"
	"github.com/rohit280101/AI-IDP/internal/vectorindex"
)

const (
	DefaultLimit = 5
	MaxLimit     = 50

	// SnippetRunes is the length of the text preview attached to each result.
	SnippetRunes = 200
)

// ErrEmptyQuery is returned for a query with no visible characters.
var ErrEmptyQuery = errors.New("query is empty")

// QueryEmbedder embeds a search query without modifying the index.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the read side of the vector index.
type VectorSearcher interface {
	Len() int
	Search(query []float32, k int) ([]vectorindex.Hit, error)
}

// DocumentGetter loads document metadata for hits.
type DocumentGetter interface {
	GetDocument(id string) (storage.Document, error)
}

// Reranker reorders candidate results for a query. It may drop results and
// must return them sorted by descending Score.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []Result) ([]Result, error)
}

// Result is one search hit joined with its document.
type Result struct {
	DocumentID     string  `json:"document_id"`
	Filename       string  `json:"filename"`
	Score          float32 `json:"score"`
	Snippet        string  `json:"snippet"`
	Classification *string `json:"classification"`
}

// Engine answers semantic queries over processed documents.
type Engine struct {
	embedder QueryEmbedder
	index    VectorSearcher
	docs     DocumentGetter
	reranker Reranker
	logger   *slog.Logger
}

// New creates a search Engine.
func New(embedder QueryEmbedder, index VectorSearcher, docs DocumentGetter) *Engine {
	return &Engine{embedder: embedder, index: index, docs: docs, logger: slog.Default()}
}

// WithReranker returns a copy of e that passes candidates through r before
// cutting them to the requested limit. A rerank error keeps the similarity
// order.
func (e *Engine) WithReranker(r Reranker) *Engine {
	cp := *e
	cp.reranker = r
	return &cp
}

// ClampLimit maps a requested result count into [1, MaxLimit]; zero or
// negative selects DefaultLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// Search embeds query and returns up to limit documents by descending
// similarity. Each document appears at most once, at its best score. Hits
// whose document no longer exists are dropped. A corrupt index degrades to
// an empty result.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	limit = ClampLimit(limit)

	results := []Result{}
	if e.index.Len() == 0 {
		return results, nil
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	// A reranker chooses from a wider candidate pool.
	want := limit
	if e.reranker != nil {
		want = limit * 2
	}

	results, err = e.collect(vec, limit*2, want)
	if errors.Is(err, vectorindex.ErrIntegrity) {
		e.logger.Error("vector index is corrupt, rebuild it with reindex", "error", err)
		return []Result{}, nil
	}
	if err != nil {
		return nil, err
	}

	if e.reranker != nil && len(results) > 1 {
		reranked, err := e.reranker.Rerank(ctx, query, results)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, err
		case err != nil:
			e.logger.Warn("reranking failed, keeping similarity order", "error", err)
		default:
			results = reranked
		}
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// collect returns up to want distinct documents for vec, best first. It
// starts from the top k hits and doubles k while duplicate vectors of
// reprocessed documents or deleted documents leave it short and the index
// has more hits to give.
func (e *Engine) collect(vec []float32, k, want int) ([]Result, error) {
	for {
		hits, err := e.index.Search(vec, k)
		if err != nil {
			return nil, fmt.Errorf("searching index: %w", err)
		}
		results, err := e.join(hits, want)
		if err != nil {
			return nil, err
		}
		if len(results) >= want || len(hits) < k || k >= e.index.Len() {
			return results, nil
		}
		k *= 2
	}
}

// join loads the document behind each hit, keeping the first hit per
// document and stopping at want results.
func (e *Engine) join(hits []vectorindex.Hit, want int) ([]Result, error) {
	results := []Result{}
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		if len(results) == want {
			break
		}
		if h.DocumentID == "" {
			e.logger.Info("skipping unmapped index position", "position", h.Position)
			continue
		}
		if seen[h.DocumentID] {
			continue
		}
		seen[h.DocumentID] = true

		doc, err := e.docs.GetDocument(h.DocumentID)
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("indexed document not found", "document_id", h.DocumentID, "position", h.Position)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading document %s: %w", h.DocumentID, err)
		}

		r := Result{
			DocumentID: doc.ID,
			Filename:   doc.Filename,
			Score:      h.Score,
			Snippet:    Snippet(doc.Text(), SnippetRunes),
		}
		if doc.Classification != nil && doc.Classification.Label != "" {
			label := doc.Classification.Label
			r.Classification = &label
		}
		results = append(results, r)
	}
	return results, nil
}

// Snippet returns the first n runes of text.
func Snippet(text string, n int) string {
	i := 0
	for pos := range text {
		if i == n {
			return text[:pos]
		}
		i++
	}
	return text
}
