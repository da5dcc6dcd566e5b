package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rohit280101/AI-IDP/internal/classify"
	"github.com/rohit280101/AI-IDP/internal/engine"
	"github.com/rohit280101/AI-IDP/internal/search"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 5 * time.Second

	// maxPassageRunes bounds the document text sent with each scoring prompt.
	maxPassageRunes = 1000
)

// Chatter is the subset of engine.Engine the reranker needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// PassageLoader returns the text a result is scored on. When nil, the
// result snippet is used.
type PassageLoader func(documentID string) (string, error)

// LLMReranker re-scores search results by asking a chat model how relevant
// each document is to the query. Scoring runs concurrently, bounded to
// defaultConcurrency calls. Results below the threshold are dropped and the
// rest are sorted by the new score.
type LLMReranker struct {
	client    Chatter
	model     string
	timeout   time.Duration
	threshold float64
	passages  PassageLoader
}

// Option configures an LLMReranker.
type Option func(*LLMReranker)

// WithTimeout bounds a whole Rerank call.
func WithTimeout(d time.Duration) Option {
	return func(r *LLMReranker) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithThreshold drops results scoring below t.
func WithThreshold(t float64) Option {
	return func(r *LLMReranker) { r.threshold = t }
}

// WithPassages scores results on text from load instead of their snippet.
func WithPassages(load PassageLoader) Option {
	return func(r *LLMReranker) { r.passages = load }
}

// New returns an LLMReranker using model.
func New(client Chatter, model string, opts ...Option) *LLMReranker {
	r := &LLMReranker{client: client, model: model, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type scored struct {
	idx   int
	score float32
	ok    bool
}

// Rerank scores each result against query. If the timeout fires before
// every result is scored, the input is returned unchanged. A result whose
// score cannot be obtained keeps its similarity score.
func (r *LLMReranker) Rerank(ctx context.Context, query string, results []search.Result) ([]search.Result, error) {
	if len(results) == 0 {
		return results, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Buffered so workers never block on send after the collector gives up.
	out := make(chan scored, len(results))
	sem := make(chan struct{}, defaultConcurrency)

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.score(timeoutCtx, query, results[i])
			if err != nil {
				if timeoutCtx.Err() != nil {
					return
				}
				slog.Debug("reranker: score failed, keeping similarity", "document_id", results[i].DocumentID, "error", err)
				out <- scored{idx: i}
				return
			}
			out <- scored{idx: i, score: float32(score), ok: true}
		}(i)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	reranked := make([]search.Result, 0, len(results))
	received := 0
collect:
	for {
		select {
		case s, open := <-out:
			if !open {
				break collect
			}
			received++
			res := results[s.idx]
			if s.ok {
				res.Score = s.score
			}
			if float64(res.Score) >= r.threshold {
				reranked = append(reranked, res)
			}
		case <-timeoutCtx.Done():
			break collect
		}
	}

	// Workers skip sending once the deadline passes, so a short count means
	// the timeout won.
	if received < len(results) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("reranker: timed out, keeping similarity order", "timeout", r.timeout, "results", len(results))
		return results, nil
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})
	return reranked, nil
}

func (r *LLMReranker) score(ctx context.Context, query string, res search.Result) (float64, error) {
	passage := res.Snippet
	if r.passages != nil {
		text, err := r.passages(res.DocumentID)
		if err != nil {
			return 0, fmt.Errorf("loading passage: %w", err)
		}
		passage = text
	}
	passage = classify.Truncate(passage, maxPassageRunes)

	prompt := "Rate the relevance of the following document to the search query on a scale of 0.0 to 1.0.\n" +
		"Query: " + query + "\n" +
		"Document: " + res.Filename + "\n" + passage + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	schema := &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"score": {Type: "number", Description: "Relevance score from 0.0 to 1.0"},
		},
		Required: []string{"score"},
	}

	resp, err := r.client.Chat(ctx, r.model, []engine.Message{
		{Role: "user", Content: prompt},
	}, schema)
	if err != nil {
		return 0, err
	}
	return parseScore(resp)
}

// parseScore extracts a relevance score from a model response. Small local
// models often wrap JSON in markdown code fences or add conversational
// filler, so the first {...} object in the response is decoded. The score
// is clamped to [0, 1].
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("response has no score")
	}
	return min(max(*obj.Score, 0), 1), nil
}
