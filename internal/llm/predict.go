package llm

import (
	"context"

	"github.com/behrlich/capsule/internal/interfaces"
	"github.com/behrlich/capsule/internal/llmcap"
)

// PredictAdapter exposes a Client as an llmcap.PredictFunc, translating the
// capability's flat prompt/options shape into the provider's conversation
// shape. This is the only place internal/llm depends on internal/llmcap;
// the dependency never runs the other way, so a capability can be tested
// with a fake PredictFunc that never touches a real provider.
type PredictAdapter struct {
	client *Client
}

// NewPredictAdapter wraps client so its Chat method can back an LLM
// capability. Model selection is left to the Client's own configuration.
func NewPredictAdapter(client *Client) *PredictAdapter {
	return &PredictAdapter{client: client}
}

// Predict satisfies llmcap.PredictFunc.
func (a *PredictAdapter) Predict(ctx context.Context, prompt string, opts llmcap.PredictOptions) (string, int, error) {
	messages := make([]interfaces.Message, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, interfaces.Message{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, interfaces.Message{Role: "user", Content: prompt})

	resp, err := a.client.Chat(ctx, messages)
	if err != nil {
		return "", 0, err
	}

	// interfaces.LLMResponse carries no usage figure; llmcap falls back to
	// its own character-based estimate when the reported token count is 0.
	return resp.Content, 0, nil
}

// Func returns a.Predict as a standalone llmcap.PredictFunc value.
func (a *PredictAdapter) Func() llmcap.PredictFunc {
	return a.Predict
}
