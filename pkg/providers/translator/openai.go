// Package translator implements relay.Translator and
// relay.GrammarCorrector backed by real LLM provider SDKs, replacing the
// orchestrator's hand-rolled net/http LLM clients with the vendor SDKs
// used elsewhere in the retrieved pack.
package translator

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/lokutor-ai/lokutor-relay/pkg/relay"
)

// OpenAITranslator implements relay.Translator via openai-go/v2. It uses
// one model for low-latency partial translation and a (possibly pricier)
// model for final translation, matching the translatePartial/
// translateFinal split.
//
// Grounded in shape on OpenAILLM (pkg/providers/llm/openai.go): an
// apiKey+model struct exposing one Complete-shaped call, generalized here
// to two model tiers and to the real SDK client instead of raw net/http.
type OpenAITranslator struct {
	client       openai.Client
	partialModel string
	finalModel   string
}

// NewOpenAITranslator returns a translator using partialModel for
// translatePartial and finalModel for translateFinal. Empty model strings
// fall back to "gpt-4o-mini" and "gpt-4o" respectively.
func NewOpenAITranslator(apiKey, partialModel, finalModel string) *OpenAITranslator {
	if partialModel == "" {
		partialModel = "gpt-4o-mini"
	}
	if finalModel == "" {
		finalModel = "gpt-4o"
	}
	return &OpenAITranslator{
		client:       openai.NewClient(option.WithAPIKey(apiKey)),
		partialModel: partialModel,
		finalModel:   finalModel,
	}
}

func (t *OpenAITranslator) translate(ctx context.Context, model, text string, src, tgt relay.Language) (string, error) {
	prompt := fmt.Sprintf("Translate the following %s text to %s. Reply with only the translation, no commentary.\n\n%s", src, tgt, text)

	resp, err := t.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0),
		MaxTokens:   openai.Int(16000),
	})
	if err != nil {
		return "", fmt.Errorf("translator: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", relay.ErrTranslationFailed
	}
	return resp.Choices[0].Message.Content, nil
}

// TranslatePartial implements relay.Translator.
func (t *OpenAITranslator) TranslatePartial(ctx context.Context, text string, src, tgt relay.Language) (string, error) {
	return t.translate(ctx, t.partialModel, text, src, tgt)
}

// TranslateFinal implements relay.Translator.
func (t *OpenAITranslator) TranslateFinal(ctx context.Context, text string, src, tgt relay.Language) (string, error) {
	return t.translate(ctx, t.finalModel, text, src, tgt)
}
