// Package llmcap wraps an injected prediction function with prompt-content
// filtering and token/request budget enforcement (spec §4.5). It knows
// nothing about any concrete provider — internal/llm supplies the
// PredictFunc adapter — which keeps this package import-free of the
// provider clients and avoids a dependency cycle between the two.
package llmcap

import (
	"context"
	"regexp"
	"sync"

	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/events"
)

const charsPerToken = 4

// PredictOptions carries the per-call knobs a skill can request.
type PredictOptions struct {
	SystemPrompt string
	MaxTokens    int
}

// PredictFunc performs one completion. The tokens actually consumed are
// reported back as tokensUsed; a value of zero or less makes Predict bill
// its own pre-flight estimate instead.
type PredictFunc func(ctx context.Context, prompt string, opts PredictOptions) (response string, tokensUsed int, err error)

// EmbedFunc performs one embedding call, billed one token-unit per input.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// defaultBlockedPromptPatterns catches the most common injection templates.
var defaultBlockedPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?previous instructions`),
	regexp.MustCompile(`(?i)pretend you are`),
	regexp.MustCompile(`(?i)reveal your system prompt`),
	regexp.MustCompile(`(?i)disregard (the )?(above|prior)`),
}

// Config configures a Capability.
type Config struct {
	Predict PredictFunc
	Embed   EmbedFunc

	PerRequestTokenCap int // default 4096
	SessionTokenBudget int // default 100000
	SessionRequestCap  int // default 100

	BlockedPromptPatterns  []*regexp.Regexp // appended to the defaults
	RequiredSystemPatterns []*regexp.Regexp

	PromptFilter   func(string) (string, error)
	ResponseFilter func(string) (string, error)

	Sink events.Sink
}

// Capability is a ready-to-use, session-scoped LLM capability. A Capability
// is stateful (it tracks the running token and request totals for one
// execution session) and must not be shared across unrelated sessions.
type Capability struct {
	predict PredictFunc
	embed   EmbedFunc

	perRequestCap int
	sessionBudget int
	sessionCap    int

	blockedPatterns  []*regexp.Regexp
	requiredPatterns []*regexp.Regexp
	promptFilter     func(string) (string, error)
	responseFilter   func(string) (string, error)

	sink events.Sink

	mu              sync.Mutex
	tokensUsed      int
	requestsUsed    int
}

// New builds a Capability from cfg. Predict is required.
func New(cfg Config) (*Capability, error) {
	if cfg.Predict == nil {
		return nil, errs.LLM("Predict function is required")
	}
	perReq := cfg.PerRequestTokenCap
	if perReq == 0 {
		perReq = 4096
	}
	budget := cfg.SessionTokenBudget
	if budget == 0 {
		budget = 100000
	}
	reqCap := cfg.SessionRequestCap
	if reqCap == 0 {
		reqCap = 100
	}
	sink := cfg.Sink
	if sink == nil {
		sink = events.Null
	}

	blocked := make([]*regexp.Regexp, 0, len(defaultBlockedPromptPatterns)+len(cfg.BlockedPromptPatterns))
	blocked = append(blocked, defaultBlockedPromptPatterns...)
	blocked = append(blocked, cfg.BlockedPromptPatterns...)

	return &Capability{
		predict:          cfg.Predict,
		embed:            cfg.Embed,
		perRequestCap:    perReq,
		sessionBudget:    budget,
		sessionCap:       reqCap,
		blockedPatterns:  blocked,
		requiredPatterns: cfg.RequiredSystemPatterns,
		promptFilter:     cfg.PromptFilter,
		responseFilter:   cfg.ResponseFilter,
		sink:             sink,
	}, nil
}

// Predict runs spec §4.5's nine-step algorithm.
func (c *Capability) Predict(ctx context.Context, prompt string, opts PredictOptions) (string, error) {
	if c.promptFilter != nil {
		filtered, err := c.promptFilter(prompt)
		if err != nil {
			return "", c.deny("Prompt filter rejected input: " + err.Error())
		}
		prompt = filtered
	}

	if m := matchAny(c.blockedPatterns, prompt); m != "" {
		return "", c.deny("Prompt matched blocked pattern: " + m)
	}
	if opts.SystemPrompt != "" {
		if m := matchAny(c.blockedPatterns, opts.SystemPrompt); m != "" {
			return "", c.deny("System prompt matched blocked pattern: " + m)
		}
	}

	for _, p := range c.requiredPatterns {
		if !p.MatchString(opts.SystemPrompt) {
			return "", c.deny("System prompt missing required pattern: " + p.String())
		}
	}

	estimate := estimateTokens(prompt) + opts.MaxTokens
	if opts.MaxTokens > c.perRequestCap {
		return "", c.deny("Requested max tokens exceeds per-request cap")
	}

	c.mu.Lock()
	if c.tokensUsed+estimate > c.sessionBudget {
		c.mu.Unlock()
		return "", c.deny("Session token budget would be exceeded")
	}
	if c.requestsUsed >= c.sessionCap {
		c.mu.Unlock()
		return "", c.deny("Session request cap reached")
	}
	c.requestsUsed++
	c.mu.Unlock()

	c.sink.Emit(events.Record{Kind: events.Request, Domain: "llm", Detail: "predict", Payload: estimate})

	response, actualTokens, err := c.predict(ctx, prompt, opts)
	if err != nil {
		c.mu.Lock()
		c.requestsUsed--
		c.mu.Unlock()
		return "", c.deny("Prediction failed: " + err.Error())
	}

	if c.responseFilter != nil {
		filtered, ferr := c.responseFilter(response)
		if ferr != nil {
			return "", c.deny("Response filter rejected output: " + ferr.Error())
		}
		response = filtered
	}

	if actualTokens <= 0 {
		actualTokens = estimate
	}
	c.mu.Lock()
	c.tokensUsed += actualTokens
	c.mu.Unlock()

	c.sink.Emit(events.Record{Kind: events.Response, Domain: "llm", Detail: "predict", Payload: actualTokens})
	return response, nil
}

// Embed runs the same budget logic as Predict, billed one token-unit per
// input text.
func (c *Capability) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embed == nil {
		return nil, c.deny("Embedding not configured for this capability")
	}
	estimate := 1

	c.mu.Lock()
	if c.tokensUsed+estimate > c.sessionBudget {
		c.mu.Unlock()
		return nil, c.deny("Session token budget would be exceeded")
	}
	if c.requestsUsed >= c.sessionCap {
		c.mu.Unlock()
		return nil, c.deny("Session request cap reached")
	}
	c.requestsUsed++
	c.mu.Unlock()

	vec, err := c.embed(ctx, text)
	if err != nil {
		c.mu.Lock()
		c.requestsUsed--
		c.mu.Unlock()
		return nil, c.deny("Embedding failed: " + err.Error())
	}

	c.mu.Lock()
	c.tokensUsed += estimate
	c.mu.Unlock()
	return vec, nil
}

// RemainingTokens reports the session token budget not yet consumed.
func (c *Capability) RemainingTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.sessionBudget - c.tokensUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingRequests reports the session request allowance not yet consumed.
func (c *Capability) RemainingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.sessionCap - c.requestsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

func matchAny(patterns []*regexp.Regexp, s string) string {
	for _, p := range patterns {
		if p.MatchString(s) {
			return p.String()
		}
	}
	return ""
}

func (c *Capability) deny(reason string) error {
	c.sink.Emit(events.Record{Kind: events.Blocked, Domain: "llm", Detail: reason})
	return errs.LLM(reason)
}
