package llm

import (
	"context"
	"time"

	"github.com/behrlich/capsule/internal/interfaces"
)

// DummyProvider is a deterministic provider for tests and offline
// development: after an optional simulated delay it replies "dummy
// response to: " followed by the last user message, without touching any
// network or filesystem state.
type DummyProvider struct {
	delay time.Duration
}

// NewDummyProvider creates a new dummy LLM provider.
func NewDummyProvider(delay time.Duration) *DummyProvider {
	return &DummyProvider{delay: delay}
}

// Chat implements the LLMProvider interface with a canned response.
func (d *DummyProvider) Chat(ctx context.Context, messages []interfaces.Message) (*interfaces.LLMResponse, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var lastUser string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = messages[i].Content
			break
		}
	}

	return &interfaces.LLMResponse{
		Content:  "dummy response to: " + lastUser,
		Finished: true,
	}, nil
}
