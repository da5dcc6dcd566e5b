package retrieval

import (
	"context"
	"fmt"

	"github.com/rohit280101/AI-IDP/internal/engine"
	"github.com/rohit280101/AI-IDP/internal/vectorindex"
	"golang.org/x/sync/errgroup"
)

// Embedder wraps an Engine to generate text embeddings and owns writes to
// the vector index.
type Embedder struct {
	engine engine.Engine
	model  string
	index  *vectorindex.Index
}

// Source is one document's text fed to Reindex.
type Source struct {
	DocumentID string
	Text       string
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// Vectors produced for documents are appended to index.
func NewEmbedder(e engine.Engine, model string, index *vectorindex.Index) *Embedder {
	return &Embedder{engine: e, model: model, index: index}
}

// Index returns the vector index the embedder writes to.
func (e *Embedder) Index() *vectorindex.Index { return e.index }

// Embed returns the embedding vector for a single text without touching the
// index. Search queries use this.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) != e.index.Dimension() {
		return nil, fmt.Errorf("embedding text: %w: model %s returned %d, index expects %d",
			vectorindex.ErrDimensionMismatch, e.model, len(vec), e.index.Dimension())
	}
	return vec, nil
}

// EmbedDocument embeds text and appends the vector under documentID. The
// vector only becomes searchable once the index snapshot holding it is
// saved, so an error leaves the index without it.
func (e *Embedder) EmbedDocument(ctx context.Context, documentID, text string) error {
	vec, err := e.Embed(ctx, text)
	if err != nil {
		return err
	}
	if err := e.index.Append(vec, documentID); err != nil {
		return fmt.Errorf("indexing vector for %s: %w", documentID, err)
	}
	return nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Reindex re-embeds every source, replaces the index contents in one step
// and saves the snapshot. On error the existing index is left unchanged.
func (e *Embedder) Reindex(ctx context.Context, sources []Source) (int, error) {
	texts := make([]string, len(sources))
	ids := make([]string, len(sources))
	for i, s := range sources {
		texts[i] = s.Text
		ids[i] = s.DocumentID
	}

	vectors, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("reindexing: %w", err)
	}
	if err := e.index.Replace(vectors, ids); err != nil {
		return 0, fmt.Errorf("reindexing: %w", err)
	}
	if err := e.index.Save(); err != nil {
		return 0, fmt.Errorf("saving vector index: %w", err)
	}
	return len(sources), nil
}
