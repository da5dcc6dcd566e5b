package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rohit280101/AI-IDP/internal/engine"
	"github.com/rohit280101/AI-IDP/internal/vectorindex"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}
func (m *mockEngine) IsRunning(_ context.Context) bool               { return false }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) { return nil, nil }
func (m *mockEngine) HasModel(_ context.Context, _ string) bool      { return false }
func (m *mockEngine) PullModel(_ context.Context, _ string, _ func(engine.PullProgress)) error {
	return fmt.Errorf("not implemented")
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

func TestEmbed_ReturnsDimension(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "all-minilm", vectorindex.New(384, ""))

	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
}

func TestEmbed_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	e := NewEmbedder(mock, "all-minilm", vectorindex.New(384, ""))

	_, err := e.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEmbedBatch_CountMatches(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "all-minilm", vectorindex.New(384, ""))

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Errorf("got %d vectors, want 3", len(vecs))
	}
}

func TestEmbedBatch_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			if text == "b" {
				return nil, errors.New("embedding failed")
			}
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "all-minilm", vectorindex.New(384, ""))

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "embedding failed") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			t.Fatal("should not be called for empty input")
			return nil, nil
		},
	}
	e := NewEmbedder(mock, "all-minilm", vectorindex.New(384, ""))

	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil", vecs)
	}
}

func TestEmbed_DoesNotTouchIndex(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return makeVector(384), nil
		},
	}
	idx := vectorindex.New(384, "")
	e := NewEmbedder(mock, "all-minilm", idx)

	if _, err := e.Embed(context.Background(), "query"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("index len = %d, want 0 after a query embed", idx.Len())
	}
}

func TestEmbed_WrongDimension(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return makeVector(768), nil
		},
	}
	e := NewEmbedder(mock, "all-minilm", vectorindex.New(384, ""))

	_, err := e.Embed(context.Background(), "hello")
	if !errors.Is(err, vectorindex.ErrDimensionMismatch) {
		t.Fatalf("error = %v, want ErrDimensionMismatch", err)
	}
}

func TestEmbedDocument_AppendsAndSaves(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			v := makeVector(384)
			v[0] = 1
			return v, nil
		},
	}
	dir := t.TempDir()
	idx := vectorindex.New(384, dir)
	e := NewEmbedder(mock, "all-minilm", idx)

	if err := e.EmbedDocument(context.Background(), "doc-1", "invoice total"); err != nil {
		t.Fatalf("EmbedDocument: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("index len = %d, want 1", idx.Len())
	}

	reloaded, err := vectorindex.Open(dir, 384)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Errorf("reloaded len = %d, want 1", reloaded.Len())
	}
}

func TestEmbedDocument_SaveErrorLeavesIndex(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			v := makeVector(384)
			v[0] = 1
			return v, nil
		},
	}
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	idx := vectorindex.New(384, filepath.Join(blocker, "index"))
	e := NewEmbedder(mock, "all-minilm", idx)

	if err := e.EmbedDocument(context.Background(), "doc-1", "text"); err == nil {
		t.Fatal("expected error when the index directory cannot be created")
	}
	if idx.Len() != 0 {
		t.Errorf("index len = %d, want 0", idx.Len())
	}
	query := makeVector(384)
	query[0] = 1
	hits, err := idx.Search(query, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %v, want none", hits)
	}
}

func TestEmbedDocument_EngineErrorLeavesIndex(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("model not loaded")
		},
	}
	idx := vectorindex.New(384, "")
	e := NewEmbedder(mock, "all-minilm", idx)

	if err := e.EmbedDocument(context.Background(), "doc-1", "text"); err == nil {
		t.Fatal("expected error")
	}
	if idx.Len() != 0 {
		t.Errorf("index len = %d, want 0", idx.Len())
	}
}

func TestReindex_ReplacesIndex(t *testing.T) {
	var calls atomic.Int32
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			calls.Add(1)
			v := make([]float32, 384)
			v[len(text)%384] = 1
			return v, nil
		},
	}
	idx := vectorindex.New(384, t.TempDir())
	if err := idx.Add(makeVector(384), "stale"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e := NewEmbedder(mock, "all-minilm", idx)

	n, err := e.Reindex(context.Background(), []Source{
		{DocumentID: "a", Text: "x"},
		{DocumentID: "b", Text: "yy"},
	})
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if n != 2 || idx.Len() != 2 {
		t.Errorf("reindexed %d, index len %d, want 2/2", n, idx.Len())
	}
	if calls.Load() != 2 {
		t.Errorf("engine calls = %d, want 2", calls.Load())
	}

	hits, err := idx.Search(func() []float32 { v := make([]float32, 384); v[2] = 1; return v }(), 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].DocumentID != "b" {
		t.Errorf("hits = %+v, want b", hits)
	}
}

func TestReindex_FailureKeepsOldIndex(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			if text == "bad" {
				return nil, fmt.Errorf("engine down")
			}
			return makeVector(384), nil
		},
	}
	idx := vectorindex.New(384, "")
	if err := idx.Add(makeVector(384), "old"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e := NewEmbedder(mock, "all-minilm", idx)

	_, err := e.Reindex(context.Background(), []Source{{DocumentID: "a", Text: "good"}, {DocumentID: "b", Text: "bad"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if idx.Len() != 1 {
		t.Errorf("index len = %d, want 1 (unchanged)", idx.Len())
	}
}
