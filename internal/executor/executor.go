// Package executor orchestrates one call from request to result (spec
// §4.8): it makes the rate-limit contract, the trust-policy contract, and
// the capability-assembly contract meet exactly once. Grounded on the
// teacher's agent.Orchestrator — the gate-before-execute, emit-events,
// map-to-result shape of ProcessPrompt/handleToolCalls is the same one
// this package follows, generalized from an LLM tool-call loop to a
// single guarded capability-sandboxed call.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/behrlich/capsule/internal/cache"
	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/events"
	"github.com/behrlich/capsule/internal/fetchcap"
	"github.com/behrlich/capsule/internal/interp"
	"github.com/behrlich/capsule/internal/jail"
	"github.com/behrlich/capsule/internal/llmcap"
	"github.com/behrlich/capsule/internal/ratelimit"
	"github.com/behrlich/capsule/internal/shellcap"
	"github.com/behrlich/capsule/internal/skill"
	"github.com/behrlich/capsule/internal/trust"
)

// Request is one call into the executor: the skill identity plus the
// per-call execution context the host supplies (spec §6 Execution
// context).
type Request struct {
	SkillPath  string
	Provenance trust.Provenance
	Requester  string
	Channel    string

	JailRoot           string
	AllowedHosts       []string
	Predict            llmcap.PredictFunc
	Embed              llmcap.EmbedFunc
	WritableSubdirs    []string
	ExtraShellCommands []shellcap.CommandEntry

	Metadata map[string]string
	Args     map[string]any
}

// Result is what the executor always returns — never an exception — with
// Success=false and a populated Error on any failure path.
type Result struct {
	Success  bool
	Output   string
	Error    *errs.Error
	FuelUsed int
	Trace    []string
	Warnings []string
	Duration time.Duration
}

// SkillOverride is an operator-configured, per-skill adjustment (spec
// §4.8 step 7: "operator policy wins over defaults").
type SkillOverride struct {
	Level     trust.Level // applied only when HasLevel is set
	HasLevel  bool
	Fuel      int
	HasFuel   bool
	Timeout   time.Duration
	Overrides *trust.Overrides
}

// Config builds an Executor.
type Config struct {
	Cache       *cache.Cache
	RateLimiter *ratelimit.Limiter // nil disables rate limiting entirely
	Interpreter interp.Interpreter
	Sink        events.Sink
	Log         *slog.Logger

	// State is the operator kill-switch list; nil means no skill is ever
	// administratively disabled.
	State *skill.State

	// SkillOverrides maps a skill name to operator policy that wins over
	// the level-derived defaults.
	SkillOverrides map[string]SkillOverride
}

// Executor composes the rate limiter, trust policy, capability assembly,
// and interpreter into a single guarded call.
type Executor struct {
	cache       *cache.Cache
	limiter     *ratelimit.Limiter
	interpreter interp.Interpreter
	sink        events.Sink
	log         *slog.Logger
	state       *skill.State
	overrides   map[string]SkillOverride
}

// New builds an Executor from cfg.
func New(cfg Config) *Executor {
	sink := cfg.Sink
	if sink == nil {
		sink = events.Null
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	state := cfg.State
	if state == nil {
		state = &skill.State{}
	}
	return &Executor{
		cache:       cfg.Cache,
		limiter:     cfg.RateLimiter,
		interpreter: cfg.Interpreter,
		sink:        sink,
		log:         log,
		state:       state,
		overrides:   cfg.SkillOverrides,
	}
}

// Execute runs one request through the full sequence in spec §4.8.
func (e *Executor) Execute(ctx context.Context, req Request) *Result {
	start := time.Now()
	requestID := uuid.NewString()

	// Step 1: load or retrieve the skill.
	s, level, err := e.loadSkill(req.SkillPath)
	if err != nil {
		return e.fail(errs.Error{Kind: errs.SkillValidationFailed, Message: errs.MsgAccessDenied, Reason: err.Error()}, start)
	}

	// An operator-disabled skill is refused before trust or rate-limit
	// checks ever run, regardless of manifest or cache contents.
	if !e.state.IsEnabled(s.Name) {
		e.sink.Emit(events.Record{Kind: events.Blocked, Time: time.Now(), RequestID: requestID, Skill: s.Name, Requester: req.Requester, Detail: "skill disabled by operator"})
		return e.fail(errs.Error{Kind: errs.SkillValidationFailed, Message: errs.MsgBlocked, Reason: "skill disabled by operator"}, start)
	}

	override, hasOverride := e.overrides[s.Name]

	// Step 2: rate limit check.
	if e.limiter != nil && req.Requester != "" {
		if rerr := e.limiter.Check(req.Requester); rerr != nil {
			e.sink.Emit(events.Record{Kind: events.RateLimited, Time: time.Now(), RequestID: requestID, Skill: s.Name, Requester: req.Requester, Detail: string(rerr.RateReason)})
			return e.fail(*rerr, start)
		}
		// Step 3: bracket the admitted request.
		e.limiter.RecordStart(req.Requester)
		defer e.limiter.RecordEnd(req.Requester)
	}

	e.sink.Emit(events.Record{Kind: events.BeforeExecute, Time: time.Now(), RequestID: requestID, Skill: s.Name, Requester: req.Requester})

	result := e.run(ctx, req, s, level, hasOverride, override, requestID)

	result.Duration = time.Since(start)
	e.sink.Emit(events.Record{Kind: events.AfterExecute, Time: time.Now(), RequestID: requestID, Skill: s.Name, Requester: req.Requester, Detail: fmt.Sprintf("success=%v", result.Success)})
	return result
}

func (e *Executor) run(ctx context.Context, req Request, s *skill.Skill, level trust.Level, hasOverride bool, override SkillOverride, requestID string) *Result {
	// Step 4: validate skill shape.
	if s.Name == "" || s.Body == "" {
		return &Result{Success: false, Error: &errs.Error{Kind: errs.SkillValidationFailed, Message: errs.MsgAccessDenied, Reason: "empty name or compiled program"}}
	}

	// Step 5: resolve effective trust level.
	if hasOverride && override.HasLevel {
		level = override.Level
	}

	// Step 6: trust ceiling check. CheckCeiling already emits the
	// trust_denied event with detail.
	if terr := trust.CheckCeiling(level, req.Provenance, e.sink); terr != nil {
		return &Result{Success: false, Error: terr}
	}

	// Step 7: assemble the capability table.
	caps, err := trust.Assemble(level, e.buildContext(req), overridesFor(hasOverride, override))
	if err != nil {
		return &Result{Success: false, Error: &errs.Error{Kind: errs.HostError, Message: errs.MsgAccessDenied, Reason: err.Error()}}
	}

	fuel := trust.Fuel(level)
	timeout := trust.Timeout(level)
	if hasOverride {
		if override.HasFuel {
			fuel = override.Fuel
		}
		if override.Timeout > 0 {
			timeout = override.Timeout
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	propagated := map[string]string{
		"request_id": requestID,
		"provenance": string(req.Provenance),
		"requester":  req.Requester,
		"channel":    req.Channel,
	}
	for k, v := range req.Metadata {
		propagated[k] = v
	}

	// Step 8: invoke the interpreter.
	outcome, ierr := e.interpreter.Run(runCtx, &interp.Program{Source: []byte(s.Body)}, req.Args, caps, fuel, timeout, propagated)

	// Step 9: map the outcome.
	if runCtx.Err() != nil {
		return &Result{Success: false, Error: &errs.Error{Kind: errs.Timeout, Message: errs.MsgAccessDenied, Reason: "execution exceeded trust-level timeout"}, FuelUsed: fuel}
	}
	if ierr != nil {
		return &Result{Success: false, Error: ierr, FuelUsed: outcomeFuel(outcome)}
	}
	if outcome == nil {
		return &Result{Success: true}
	}
	return &Result{Success: true, Output: outcome.Output, FuelUsed: outcome.FuelUsed, Trace: outcome.Trace, Warnings: outcome.Warnings}
}

func outcomeFuel(o *interp.Outcome) int {
	if o == nil {
		return 0
	}
	return o.FuelUsed
}

func overridesFor(has bool, o SkillOverride) *trust.Overrides {
	if !has {
		return nil
	}
	return o.Overrides
}

func (e *Executor) buildContext(req Request) trust.Context {
	return trust.Context{
		Jail: jail.Config{
			Root:          req.JailRoot,
			AllowPatterns: req.WritableSubdirs,
			Sink:          e.sink,
		},
		Shell: shellcap.Config{
			Allowlist: req.ExtraShellCommands,
			Sink:      e.sink,
		},
		Fetch: fetchcap.Config{
			AllowedHosts: req.AllowedHosts,
			Sink:         e.sink,
		},
		LLM: llmcap.Config{
			Predict: req.Predict,
			Embed:   req.Embed,
			Sink:    e.sink,
		},
	}
}

func (e *Executor) loadSkill(path string) (*skill.Skill, trust.Level, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read skill file: %w", err)
	}
	hash := cache.ContentHash(data)

	if e.cache != nil {
		if s, level, ok, err := e.cache.Get(path, hash); err == nil && ok {
			return s, level, nil
		}
	}

	s, err := skill.Parse(string(data))
	if err != nil {
		return nil, 0, err
	}

	level, ok := trust.ParseLevel(s.TrustLevel)
	if !ok {
		level = trust.InferLevel(s.Capabilities)
	}

	if e.cache != nil {
		if err := e.cache.Put(path, hash, s, level); err != nil {
			e.log.Warn("skill cache put failed", "path", path, "error", err)
		}
	}
	return s, level, nil
}

func (e *Executor) fail(err errs.Error, start time.Time) *Result {
	r := &Result{Success: false, Error: &err}
	if !start.IsZero() {
		r.Duration = time.Since(start)
	}
	return r
}

// --- Administrative operations (spec §6) ---

// AddSelfIdentity registers a self-identity string with the rate limiter,
// if one is configured.
func (e *Executor) AddSelfIdentity(id string) {
	if e.limiter != nil {
		e.limiter.AddSelfIdentity(id)
	}
}

// RemoveSelfIdentity un-registers a self-identity string.
func (e *Executor) RemoveSelfIdentity(id string) {
	if e.limiter != nil {
		e.limiter.RemoveSelfIdentity(id)
	}
}

// Stats reports rate-limiter statistics, or the zero value if no limiter
// is configured.
func (e *Executor) Stats() ratelimit.Stats {
	if e.limiter == nil {
		return ratelimit.Stats{}
	}
	return e.limiter.Stats()
}

// ClearCooldown lifts a requester's rate-limit cooldown immediately.
func (e *Executor) ClearCooldown(requester string) {
	if e.limiter != nil {
		e.limiter.ClearCooldown(requester)
	}
}

// DisableSkill adds name to the operator kill-switch list; subsequent
// Execute calls against it are refused before trust or rate-limit checks.
func (e *Executor) DisableSkill(name string) {
	e.state.Disable(name)
}

// EnableSkill removes name from the operator kill-switch list.
func (e *Executor) EnableSkill(name string) {
	e.state.Enable(name)
}

// InvalidateSkill evicts one skill's cache entry.
func (e *Executor) InvalidateSkill(path string) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Invalidate(path)
}

// ResetCache clears the entire skill cache.
func (e *Executor) ResetCache() error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Reset()
}
