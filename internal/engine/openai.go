package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEngine talks to the OpenAI API or any server that implements its
// chat completion and embedding endpoints.
type OpenAIEngine struct {
	client     openai.Client
	dimensions int
}

// NewOpenAIEngine creates an engine for baseURL (empty for api.openai.com).
// A positive dimensions value is sent with every embedding request.
func NewOpenAIEngine(baseURL, apiKey string, dimensions int) *OpenAIEngine {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	return &OpenAIEngine{client: openai.NewClient(opts...), dimensions: dimensions}
}

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
	}
	if jsonSchema != nil {
		schemaJSON, err := json.Marshal(jsonSchema)
		if err != nil {
			return "", fmt.Errorf("encoding schema: %w", err)
		}
		params.Messages = append(params.Messages,
			openai.SystemMessage("Respond with a single JSON object matching this JSON schema: "+string(schemaJSON)))
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{Type: "json_object"},
		}
	}
	for _, m := range messages {
		params.Messages = append(params.Messages, toOpenAIMessage(m))
	}

	var content string
	err := retryRateLimited(ctx, func() error {
		resp, err := e.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(errors.New("chat: no choices in response"))
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	return content, err
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case "system":
		return openai.SystemMessage(m.Content)
	case "assistant":
		return openai.AssistantMessage(m.Content)
	}
	if len(m.Images) == 0 {
		return openai.UserMessage(m.Content)
	}
	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(m.Content)}
	for _, img := range m.Images {
		dataURL := "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}))
	}
	return openai.UserMessage(parts)
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
		Model: openai.EmbeddingModel(model),
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}

	var vec []float32
	err := retryRateLimited(ctx, func() error {
		resp, err := e.client.Embeddings.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return backoff.Permanent(errors.New("embed: empty embeddings array"))
		}
		vec = toFloat32(resp.Data[0].Embedding)
		return nil
	})
	return vec, err
}

func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	_, err := e.ListModels(ctx)
	return err == nil
}

func (e *OpenAIEngine) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var names []string
	iter := e.client.Models.ListAutoPaging(ctx)
	for iter.Next() {
		names = append(names, iter.Current().ID)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	return names, nil
}

func (e *OpenAIEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name {
			return true
		}
	}
	return false
}

// PullModel is unsupported; hosted models cannot be downloaded.
func (e *OpenAIEngine) PullModel(_ context.Context, name string, _ func(PullProgress)) error {
	return fmt.Errorf("model %s is not available from the openai backend and cannot be pulled", name)
}

// retryRateLimited runs op with exponential backoff while it fails with
// HTTP 429 or a 5xx status. Any other error stops the retries.
func retryRateLimited(ctx context.Context, op func() error) error {
	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500) {
			return err
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// toFloat32 converts []float64 to []float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
