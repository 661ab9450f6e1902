package llm

import (
	"time"

	"github.com/behrlich/capsule/internal/config"
	"github.com/behrlich/capsule/internal/interfaces"
)

// NewProvider creates an LLM provider based on configuration.
func NewProvider(cfg *config.Config, useDummy bool) interfaces.LLMProvider {
	if useDummy {
		return NewDummyProvider(500 * time.Millisecond)
	}

	clientConfig := &ClientConfig{
		DefaultModel: cfg.Model,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
	}
	return NewClient(clientConfig)
}

// NewTestProvider creates a fast dummy provider for testing.
func NewTestProvider() interfaces.LLMProvider {
	return NewDummyProvider(10 * time.Millisecond)
}
