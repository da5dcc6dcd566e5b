package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rohit280101/AI-IDP/internal/engine"
)

const ocrPrompt = `Transcribe all text visible in this image exactly as written.
Preserve line breaks. Output only the transcribed text with no commentary.
If the image contains no text, output nothing.`

const ocrTimeout = 2 * time.Minute

// extractImage asks the vision model to transcribe the image.
func (x *Extractor) extractImage(ctx context.Context, data []byte) (string, error) {
	if x.engine == nil || x.visionModel == "" {
		return "", errors.New("image extraction requires a vision model")
	}
	ctx, cancel := context.WithTimeout(ctx, ocrTimeout)
	defer cancel()

	out, err := x.engine.Chat(ctx, x.visionModel, []engine.Message{
		{Role: "user", Content: ocrPrompt, Images: [][]byte{data}},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return strings.TrimSpace(out), nil
}
