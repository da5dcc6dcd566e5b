package reranking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rohit280101/AI-IDP/internal/engine"
	"github.com/rohit280101/AI-IDP/internal/search"
)

// --- mock chatter ---

type mockChatter struct {
	chatFn func(ctx context.Context, model string, msgs []engine.Message, schema *engine.Schema) (string, error)
}

func (m *mockChatter) Chat(ctx context.Context, model string, msgs []engine.Message, schema *engine.Schema) (string, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, model, msgs, schema)
	}
	return `{"score": 0.5}`, nil
}

// scoreByPassage answers with the score keyed by the passage in the prompt.
func scoreByPassage(scores map[string]float64) *mockChatter {
	return &mockChatter{chatFn: func(_ context.Context, _ string, msgs []engine.Message, _ *engine.Schema) (string, error) {
		for passage, s := range scores {
			if strings.Contains(msgs[0].Content, passage) {
				return fmt.Sprintf(`{"score": %g}`, s), nil
			}
		}
		return "", errors.New("unexpected prompt")
	}}
}

// --- helpers ---

func makeResults(n int, score float32) []search.Result {
	results := make([]search.Result, n)
	for i := range results {
		results[i] = search.Result{
			DocumentID: fmt.Sprintf("doc-%d", i),
			Filename:   fmt.Sprintf("file-%d.pdf", i),
			Snippet:    fmt.Sprintf("passage %d", i),
			Score:      score,
		}
	}
	return results
}

// --- tests ---

func TestRerank_ReordersResults(t *testing.T) {
	chat := scoreByPassage(map[string]float64{"passage 0": 0.9, "passage 1": 0.3, "passage 2": 0.7})
	r := New(chat, "llama3.2", WithThreshold(0.2))

	got, err := r.Rerank(context.Background(), "query", makeResults(3, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	wantIDs := []string{"doc-0", "doc-2", "doc-1"}
	wantScores := []float32{0.9, 0.7, 0.3}
	for i, res := range got {
		if res.DocumentID != wantIDs[i] || res.Score != wantScores[i] {
			t.Errorf("result[%d] = %s/%g, want %s/%g", i, res.DocumentID, res.Score, wantIDs[i], wantScores[i])
		}
	}
}

func TestRerank_DropsBelowThreshold(t *testing.T) {
	chat := scoreByPassage(map[string]float64{"passage 0": 0.8, "passage 1": 0.1, "passage 2": 0.7})
	r := New(chat, "llama3.2", WithThreshold(0.3))

	got, err := r.Rerank(context.Background(), "query", makeResults(3, 0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	for _, res := range got {
		if res.DocumentID == "doc-1" {
			t.Error("low-scoring result was not dropped")
		}
	}
}

func TestRerank_ScoreFailureKeepsSimilarity(t *testing.T) {
	chat := &mockChatter{chatFn: func(context.Context, string, []engine.Message, *engine.Schema) (string, error) {
		return "completely unparseable garbage", nil
	}}
	r := New(chat, "llama3.2")

	got, err := r.Rerank(context.Background(), "query", makeResults(1, 0.9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Score != 0.9 {
		t.Errorf("got %+v, want original score kept", got)
	}
}

func TestRerank_TimeoutReturnsInput(t *testing.T) {
	chat := &mockChatter{chatFn: func(ctx context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	r := New(chat, "llama3.2", WithTimeout(100*time.Millisecond))

	in := makeResults(3, 0.8)
	start := time.Now()
	got, err := r.Rerank(context.Background(), "query", in)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("Rerank took %v, want close to the 100ms timeout", elapsed)
	}
	if len(got) != len(in) || got[0].DocumentID != in[0].DocumentID {
		t.Errorf("got %+v, want input unchanged", got)
	}
}

func TestRerank_ParentCancelled(t *testing.T) {
	chat := &mockChatter{chatFn: func(ctx context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	r := New(chat, "llama3.2", WithTimeout(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	if _, err := r.Rerank(ctx, "query", makeResults(2, 0.5)); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestRerank_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	chat := &mockChatter{chatFn: func(context.Context, string, []engine.Message, *engine.Schema) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return `{"score": 0.5}`, nil
	}}
	r := New(chat, "llama3.2")

	if _, err := r.Rerank(context.Background(), "query", makeResults(10, 0.5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := peak.Load(); p > defaultConcurrency {
		t.Errorf("peak concurrency = %d, want <= %d", p, defaultConcurrency)
	}
}

func TestRerank_PassageLoader(t *testing.T) {
	var prompt string
	chat := &mockChatter{chatFn: func(_ context.Context, _ string, msgs []engine.Message, _ *engine.Schema) (string, error) {
		prompt = msgs[0].Content
		return `{"score": 0.6}`, nil
	}}
	r := New(chat, "llama3.2", WithPassages(func(id string) (string, error) {
		return "full text of " + id, nil
	}))

	if _, err := r.Rerank(context.Background(), "late fees", makeResults(1, 0.5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prompt, "full text of doc-0") || !strings.Contains(prompt, "late fees") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestRerank_Empty(t *testing.T) {
	r := New(&mockChatter{}, "llama3.2")
	got, err := r.Rerank(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d results, want 0", len(got))
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		want    float64
		wantErr bool
	}{
		{"plain", `{"score": 0.42}`, 0.42, false},
		{"code fence", "```json\n{\"score\": 0.8}\n```", 0.8, false},
		{"filler", `Sure! Here is my rating: {"score": 0.65} Hope that helps.`, 0.65, false},
		{"clamped high", `{"score": 7}`, 1, false},
		{"clamped low", `{"score": -0.5}`, 0, false},
		{"no object", "no json here", 0, true},
		{"missing field", `{"relevance": 0.5}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScore(tt.resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("score = %g, want %g", got, tt.want)
			}
		})
	}
}
