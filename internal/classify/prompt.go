package classify

import (
	"fmt"
	"strings"

	"github.com/rohit280101/AI-IDP/internal/engine"
)

const systemPromptTemplate = `You are a document classification engine. Read the document excerpt and choose the single category that best describes the whole document. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Categories: %s

Rules:
- "label" must be exactly one of the categories above.
- "score" is your confidence from 0 to 1.`

// BuildPrompt constructs the chat messages for classifying excerpt.
func BuildPrompt(excerpt string, labels []string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: fmt.Sprintf(systemPromptTemplate, strings.Join(labels, ", "))},
		{Role: "user", Content: "[Document]\n" + excerpt},
	}
}
