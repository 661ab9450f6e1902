// Package ratelimit implements the executor's rate limiter (spec §4.7):
// self-identity rejection, per-requester and global sliding windows and
// concurrency counters, and a cooldown that penalizes repeat offenders.
// Grounded on the teacher's internal/relay bandwidth and per-IP rate
// limiters — the map-of-per-identity-state-behind-a-mutex shape and the
// golang.org/x/time/rate token-bucket idiom are both lifted from there and
// adapted from bytes-per-second/requests-per-second metering to the
// admission-gate semantics this sandbox needs.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/events"
)

// Config configures a sliding-window Limiter.
type Config struct {
	RequesterWindow      time.Duration
	RequesterCap         int
	RequesterConcurrency int

	GlobalWindow      time.Duration
	GlobalCap         int
	GlobalConcurrency int

	Cooldown time.Duration

	// SelfIdentities are compared case-insensitively against the id
	// passed to Check; a match is an absolute, unconditional refusal.
	SelfIdentities []string

	Sink events.Sink
}

type requesterState struct {
	requests      []time.Time
	concurrent    int
	cooldownUntil time.Time
}

// Limiter is the sliding-window-plus-cooldown rate limiter.
type Limiter struct {
	mu sync.Mutex

	self map[string]struct{}

	requesterWindow      time.Duration
	requesterCap         int
	requesterConcurrency int

	globalWindow      time.Duration
	globalCap         int
	globalConcurrency int

	cooldown time.Duration

	requesters map[string]*requesterState
	global     requesterState

	sink events.Sink
}

// New builds a Limiter from explicit settings. See DefaultPublicFacing and
// Strict for the spec's named presets.
func New(cfg Config) *Limiter {
	self := make(map[string]struct{}, len(cfg.SelfIdentities))
	for _, id := range cfg.SelfIdentities {
		self[strings.ToLower(id)] = struct{}{}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = events.Null
	}
	return &Limiter{
		self:                 self,
		requesterWindow:      cfg.RequesterWindow,
		requesterCap:         cfg.RequesterCap,
		requesterConcurrency: cfg.RequesterConcurrency,
		globalWindow:         cfg.GlobalWindow,
		globalCap:            cfg.GlobalCap,
		globalConcurrency:    cfg.GlobalConcurrency,
		cooldown:             cfg.Cooldown,
		requesters:           make(map[string]*requesterState),
		sink:                 sink,
	}
}

// DefaultPublicFacing is the "default public-facing" preset: 10/min per
// requester, 100/min global, concurrency 2 and 10, a 30s cooldown.
func DefaultPublicFacing(selfIdentities []string, sink events.Sink) *Limiter {
	return New(Config{
		RequesterWindow:      time.Minute,
		RequesterCap:         10,
		RequesterConcurrency: 2,
		GlobalWindow:         time.Minute,
		GlobalCap:            100,
		GlobalConcurrency:    10,
		Cooldown:             30 * time.Second,
		SelfIdentities:       selfIdentities,
		Sink:                 sink,
	})
}

// Strict is the "strict" preset: 5/min per requester, 30/min global,
// concurrency 1 and 5, a 60s cooldown.
func Strict(selfIdentities []string, sink events.Sink) *Limiter {
	return New(Config{
		RequesterWindow:      time.Minute,
		RequesterCap:         5,
		RequesterConcurrency: 1,
		GlobalWindow:         time.Minute,
		GlobalCap:            30,
		GlobalConcurrency:    5,
		Cooldown:             60 * time.Second,
		SelfIdentities:       selfIdentities,
		Sink:                 sink,
	})
}

func (l *Limiter) requesterStateFor(id string) *requesterState {
	rs, ok := l.requesters[id]
	if !ok {
		rs = &requesterState{}
		l.requesters[id] = rs
	}
	return rs
}

func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	return kept
}

// Check runs the six-step admission algorithm, first failure wins. It does
// not mutate counters or windows beyond pruning and, on a rate-limit
// refusal, opening the requester's cooldown — admission itself is recorded
// by RecordStart.
func (l *Limiter) Check(id string) *errs.Error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	if _, ok := l.self[strings.ToLower(id)]; ok {
		l.emit(id, errs.ReasonSelfMessage, "self-identity match")
		return errs.RateLimit(errs.ReasonSelfMessage, 0)
	}

	rs := l.requesterStateFor(id)

	if now.Before(rs.cooldownUntil) {
		retry := rs.cooldownUntil.Sub(now)
		l.emit(id, errs.ReasonRequesterCooldown, "requester in cooldown")
		return errs.RateLimit(errs.ReasonRequesterCooldown, retry)
	}

	if rs.concurrent >= l.requesterConcurrency {
		l.emit(id, errs.ReasonRequesterConcurrent, "requester concurrency cap reached")
		return errs.RateLimit(errs.ReasonRequesterConcurrent, 0)
	}

	rs.requests = pruneWindow(rs.requests, now, l.requesterWindow)
	if len(rs.requests) >= l.requesterCap {
		rs.cooldownUntil = now.Add(l.cooldown)
		l.emit(id, errs.ReasonRequesterRateLimit, "requester window cap reached, cooldown opened")
		return errs.RateLimit(errs.ReasonRequesterRateLimit, l.cooldown)
	}

	if l.global.concurrent >= l.globalConcurrency {
		l.emit(id, errs.ReasonGlobalConcurrent, "global concurrency cap reached")
		return errs.RateLimit(errs.ReasonGlobalConcurrent, 0)
	}

	l.global.requests = pruneWindow(l.global.requests, now, l.globalWindow)
	if len(l.global.requests) >= l.globalCap {
		l.emit(id, errs.ReasonGlobalRateLimit, "global window cap reached")
		return errs.RateLimit(errs.ReasonGlobalRateLimit, 0)
	}

	return nil
}

// RecordStart brackets an admitted request: it increments the requester
// and global concurrency counters and appends the current time to both
// windows. The executor must call RecordStart only after a successful
// Check, and must call RecordEnd on every exit path.
func (l *Limiter) RecordStart(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	rs := l.requesterStateFor(id)
	rs.concurrent++
	rs.requests = append(rs.requests, now)
	l.global.concurrent++
	l.global.requests = append(l.global.requests, now)
}

// RecordEnd releases the concurrency counters RecordStart took. A counter
// that would go negative is clamped to zero rather than underflowed — that
// would indicate a RecordEnd without a matching RecordStart, a host bug
// this package defends against rather than propagates.
func (l *Limiter) RecordEnd(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rs, ok := l.requesters[id]; ok && rs.concurrent > 0 {
		rs.concurrent--
	}
	if l.global.concurrent > 0 {
		l.global.concurrent--
	}
}

func (l *Limiter) emit(id string, reason errs.RateLimitReason, detail string) {
	l.sink.Emit(events.Record{
		Kind:      events.RateLimited,
		Time:      time.Now(),
		Requester: id,
		Detail:    detail,
		Payload:   reason,
	})
}

// Stats is a snapshot of the limiter's administrative counters.
type Stats struct {
	GlobalConcurrent      int
	GlobalWindowSize      int
	TrackedRequesters     int
	RequestersInCooldown  int
}

// AddSelfIdentity registers an additional self-identity string, compared
// case-insensitively against future Check calls.
func (l *Limiter) AddSelfIdentity(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.self[strings.ToLower(id)] = struct{}{}
}

// RemoveSelfIdentity un-registers a self-identity string.
func (l *Limiter) RemoveSelfIdentity(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.self, strings.ToLower(id))
}

// ClearCooldown lifts a requester's cooldown immediately, if any.
func (l *Limiter) ClearCooldown(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rs, ok := l.requesters[id]; ok {
		rs.cooldownUntil = time.Time{}
	}
}

// Stats reports administrative counters for operator introspection.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	inCooldown := 0
	for _, rs := range l.requesters {
		if now.Before(rs.cooldownUntil) {
			inCooldown++
		}
	}
	return Stats{
		GlobalConcurrent:     l.global.concurrent,
		GlobalWindowSize:     len(l.global.requests),
		TrackedRequesters:    len(l.requesters),
		RequestersInCooldown: inCooldown,
	}
}

// TokenBucketConfig configures a TokenBucketLimiter.
type TokenBucketConfig struct {
	RequesterRate  rate.Limit
	RequesterBurst int

	GlobalRate  rate.Limit
	GlobalBurst int

	SelfIdentities []string

	Sink events.Sink
}

// TokenBucketLimiter is the token-bucket variant for bursty workloads. It
// preserves the sliding-window limiter's self-identity bar.
type TokenBucketLimiter struct {
	mu sync.Mutex

	self map[string]struct{}

	requesterRate  rate.Limit
	requesterBurst int
	limiters       map[string]*rate.Limiter

	global *rate.Limiter

	sink events.Sink
}

// NewTokenBucket builds a TokenBucketLimiter from explicit settings.
func NewTokenBucket(cfg TokenBucketConfig) *TokenBucketLimiter {
	self := make(map[string]struct{}, len(cfg.SelfIdentities))
	for _, id := range cfg.SelfIdentities {
		self[strings.ToLower(id)] = struct{}{}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = events.Null
	}
	return &TokenBucketLimiter{
		self:           self,
		requesterRate:  cfg.RequesterRate,
		requesterBurst: cfg.RequesterBurst,
		limiters:       make(map[string]*rate.Limiter),
		global:         rate.NewLimiter(cfg.GlobalRate, cfg.GlobalBurst),
		sink:           sink,
	}
}

func (l *TokenBucketLimiter) limiterFor(id string) *rate.Limiter {
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(l.requesterRate, l.requesterBurst)
		l.limiters[id] = lim
	}
	return lim
}

// Check denies when either the requester's or the global bucket holds less
// than one token. It does not debit either bucket; Consume does.
func (l *TokenBucketLimiter) Check(id string) *errs.Error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.self[strings.ToLower(id)]; ok {
		l.emit(id, errs.ReasonSelfMessage, "self-identity match")
		return errs.RateLimit(errs.ReasonSelfMessage, 0)
	}

	if l.limiterFor(id).Tokens() < 1 {
		l.emit(id, errs.ReasonRequesterRateLimit, "requester bucket empty")
		return errs.RateLimit(errs.ReasonRequesterRateLimit, 0)
	}
	if l.global.Tokens() < 1 {
		l.emit(id, errs.ReasonGlobalRateLimit, "global bucket empty")
		return errs.RateLimit(errs.ReasonGlobalRateLimit, 0)
	}
	return nil
}

// Consume debits one token from both the requester's and the global
// bucket. Call only after a successful Check.
func (l *TokenBucketLimiter) Consume(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiterFor(id).Allow()
	l.global.Allow()
}

func (l *TokenBucketLimiter) emit(id string, reason errs.RateLimitReason, detail string) {
	l.sink.Emit(events.Record{
		Kind:      events.RateLimited,
		Time:      time.Now(),
		Requester: id,
		Detail:    detail,
		Payload:   reason,
	})
}
