package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rohit280101/AI-IDP/internal/engine"
	"github.com/rohit280101/AI-IDP/internal/storage"
)

// MaxInputRunes is how much of a document the classifier sees.
const MaxInputRunes = 512

const defaultTimeout = 30 * time.Second

// DefaultLabels is used when no label set is configured.
var DefaultLabels = []string{"invoice", "receipt", "contract", "resume", "report", "letter", "form", "other"}

// Chatter is the subset of engine.Engine the classifier needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Classifier assigns one label from a fixed set to a document using a chat
// model constrained to JSON output.
type Classifier struct {
	client  Chatter
	model   string
	labels  []string
	timeout time.Duration
}

// NewClassifier creates a Classifier. An empty labels slice selects DefaultLabels.
func NewClassifier(client Chatter, model string, labels []string) *Classifier {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	return &Classifier{client: client, model: model, labels: labels, timeout: defaultTimeout}
}

// WithTimeout returns a copy of c that bounds each call by d.
func (c *Classifier) WithTimeout(d time.Duration) *Classifier {
	cp := *c
	cp.timeout = d
	return &cp
}

// Labels returns the label set the model chooses from.
func (c *Classifier) Labels() []string { return c.labels }

type response struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify labels the first MaxInputRunes runes of text. Empty text yields
// (nil, nil). A model error, malformed JSON or a label outside the set is
// returned as an error.
func (c *Classifier) Classify(ctx context.Context, text string) (*storage.Classification, error) {
	text = Truncate(strings.TrimSpace(text), MaxInputRunes)
	if text == "" {
		return nil, nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.client.Chat(ctx, c.model, BuildPrompt(text, c.labels), c.schema())
	if err != nil {
		return nil, fmt.Errorf("classification chat: %w", err)
	}

	var r response
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decoding classification %q: %w", raw, err)
	}
	label := strings.ToLower(strings.TrimSpace(r.Label))
	if !slices.Contains(c.labels, label) {
		return nil, fmt.Errorf("model returned unknown label %q", r.Label)
	}
	return &storage.Classification{Label: label, Score: clamp(r.Score)}, nil
}

func (c *Classifier) schema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"label": {Type: "string", Description: "The document category", Enum: c.labels},
			"score": {Type: "number", Description: "Confidence between 0 and 1"},
		},
		Required: []string{"label", "score"},
	}
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
