package ratelimit

import (
	"testing"
	"time"

	"github.com/behrlich/capsule/internal/errs"
)

func TestSelfIdentityRejectedCaseInsensitively(t *testing.T) {
	l := New(Config{
		RequesterWindow: time.Minute, RequesterCap: 10, RequesterConcurrency: 5,
		GlobalWindow: time.Minute, GlobalCap: 100, GlobalConcurrency: 50,
		Cooldown:       time.Minute,
		SelfIdentities: []string{"MyBot"},
	})
	if err := l.Check("mybot"); err == nil || err.RateReason != errs.ReasonSelfMessage {
		t.Fatalf("expected self_message rejection, got %v", err)
	}
	if err := l.Check("MYBOT"); err == nil || err.RateReason != errs.ReasonSelfMessage {
		t.Fatalf("expected self_message rejection, got %v", err)
	}
}

func TestRequesterConcurrencyGate(t *testing.T) {
	l := New(Config{
		RequesterWindow: time.Minute, RequesterCap: 100, RequesterConcurrency: 1,
		GlobalWindow: time.Minute, GlobalCap: 100, GlobalConcurrency: 50,
		Cooldown: time.Minute,
	})
	if err := l.Check("alice"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	l.RecordStart("alice")
	if err := l.Check("alice"); err == nil || err.RateReason != errs.ReasonRequesterConcurrent {
		t.Fatalf("expected requester_concurrent, got %v", err)
	}
	l.RecordEnd("alice")
	if err := l.Check("alice"); err != nil {
		t.Fatalf("after record_end: %v", err)
	}
}

func TestRequesterWindowTriggersCooldown(t *testing.T) {
	l := New(Config{
		RequesterWindow: time.Minute, RequesterCap: 2, RequesterConcurrency: 10,
		GlobalWindow: time.Minute, GlobalCap: 100, GlobalConcurrency: 50,
		Cooldown: time.Hour,
	})
	for i := 0; i < 2; i++ {
		if err := l.Check("bob"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		l.RecordStart("bob")
		l.RecordEnd("bob")
	}
	err := l.Check("bob")
	if err == nil || err.RateReason != errs.ReasonRequesterRateLimit {
		t.Fatalf("expected requester_rate_limit, got %v", err)
	}
	if err.RetryAfter <= 0 {
		t.Fatal("expected a positive retry-after once cooldown opens")
	}
	// Cooldown now governs admission rather than the window.
	if err := l.Check("bob"); err == nil || err.RateReason != errs.ReasonRequesterCooldown {
		t.Fatalf("expected requester_cooldown on the next check, got %v", err)
	}
}

func TestGlobalCapIndependentOfRequester(t *testing.T) {
	l := New(Config{
		RequesterWindow: time.Minute, RequesterCap: 100, RequesterConcurrency: 100,
		GlobalWindow: time.Minute, GlobalCap: 1, GlobalConcurrency: 100,
		Cooldown: time.Minute,
	})
	if err := l.Check("carol"); err != nil {
		t.Fatalf("first: %v", err)
	}
	l.RecordStart("carol")
	l.RecordEnd("carol")
	if err := l.Check("dave"); err == nil || err.RateReason != errs.ReasonGlobalRateLimit {
		t.Fatalf("expected global_rate_limit for a different requester, got %v", err)
	}
}

func TestConcurrencyNeverGoesNegative(t *testing.T) {
	l := New(Config{
		RequesterWindow: time.Minute, RequesterCap: 10, RequesterConcurrency: 5,
		GlobalWindow: time.Minute, GlobalCap: 100, GlobalConcurrency: 50,
		Cooldown: time.Minute,
	})
	l.RecordEnd("nobody")
	if err := l.Check("nobody"); err != nil {
		t.Fatalf("spurious RecordEnd should not corrupt admission: %v", err)
	}
}

func TestAdminClearCooldownAndStats(t *testing.T) {
	l := New(Config{
		RequesterWindow: 200 * time.Millisecond, RequesterCap: 1, RequesterConcurrency: 10,
		GlobalWindow: time.Minute, GlobalCap: 100, GlobalConcurrency: 50,
		Cooldown: time.Hour,
	})
	if err := l.Check("eve"); err != nil {
		t.Fatalf("first: %v", err)
	}
	l.RecordStart("eve")
	l.RecordEnd("eve")
	if err := l.Check("eve"); err == nil || err.RateReason != errs.ReasonRequesterRateLimit {
		t.Fatalf("expected requester_rate_limit, got %v", err)
	}
	stats := l.Stats()
	if stats.RequestersInCooldown != 1 {
		t.Fatalf("expected 1 requester in cooldown, got %d", stats.RequestersInCooldown)
	}
	// Let the window drain so that only the hour-long cooldown still refuses.
	time.Sleep(250 * time.Millisecond)
	l.ClearCooldown("eve")
	if err := l.Check("eve"); err != nil {
		t.Fatalf("expected admission after ClearCooldown: %v", err)
	}
}

func TestAdminSelfIdentityAddRemove(t *testing.T) {
	l := New(Config{
		RequesterWindow: time.Minute, RequesterCap: 10, RequesterConcurrency: 10,
		GlobalWindow: time.Minute, GlobalCap: 100, GlobalConcurrency: 50,
		Cooldown: time.Minute,
	})
	if err := l.Check("frank"); err != nil {
		t.Fatalf("expected admission before registering self-id: %v", err)
	}
	l.AddSelfIdentity("frank")
	if err := l.Check("frank"); err == nil || err.RateReason != errs.ReasonSelfMessage {
		t.Fatalf("expected self_message after AddSelfIdentity, got %v", err)
	}
	l.RemoveSelfIdentity("frank")
	if err := l.Check("frank"); err != nil {
		t.Fatalf("expected admission after RemoveSelfIdentity: %v", err)
	}
}

func TestTokenBucketPreservesSelfBar(t *testing.T) {
	tb := NewTokenBucket(TokenBucketConfig{
		RequesterRate: 1, RequesterBurst: 5,
		GlobalRate: 10, GlobalBurst: 50,
		SelfIdentities: []string{"echo-loop"},
	})
	if err := tb.Check("Echo-Loop"); err == nil || err.RateReason != errs.ReasonSelfMessage {
		t.Fatalf("expected self_message, got %v", err)
	}
	if err := tb.Check("real-user"); err != nil {
		t.Fatalf("expected admission: %v", err)
	}
	tb.Consume("real-user")
}
