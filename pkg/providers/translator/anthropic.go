package translator

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGrammarCorrector implements relay.GrammarCorrector via
// anthropic-sdk-go. Spec §4.6 only ever invokes grammar correction when
// the source language is English; the caller (pkg/relay Coordinator)
// enforces that, so this type stays language-agnostic.
//
// Grounded in shape on OpenAILLM (pkg/providers/llm/openai.go), ported to
// the Anthropic messages API.
type AnthropicGrammarCorrector struct {
	client anthropic.Client
	model  string
}

// NewAnthropicGrammarCorrector returns a corrector using model (default
// "claude-3-5-haiku-latest", chosen for latency since correction sits on
// the partial-translation critical path).
func NewAnthropicGrammarCorrector(apiKey, model string) *AnthropicGrammarCorrector {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicGrammarCorrector{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (g *AnthropicGrammarCorrector) correct(ctx context.Context, text string) (string, error) {
	if text == "" {
		return text, nil
	}
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				"Fix grammar, punctuation, and capitalization only. Do not rephrase or add content. Reply with only the corrected text.\n\n" + text,
			)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("grammar corrector: %w", err)
	}
	if len(msg.Content) == 0 {
		return text, nil
	}
	return msg.Content[0].Text, nil
}

// CorrectPartial implements relay.GrammarCorrector.
func (g *AnthropicGrammarCorrector) CorrectPartial(ctx context.Context, text string) (string, error) {
	return g.correct(ctx, text)
}

// CorrectFinal implements relay.GrammarCorrector.
func (g *AnthropicGrammarCorrector) CorrectFinal(ctx context.Context, text string) (string, error) {
	return g.correct(ctx, text)
}
