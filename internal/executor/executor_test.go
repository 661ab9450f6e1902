package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/behrlich/capsule/internal/cache"
	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/interp"
	"github.com/behrlich/capsule/internal/ratelimit"
	"github.com/behrlich/capsule/internal/trust"
)

func writeSkill(t *testing.T, dir, name, frontmatter, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "---\n" + frontmatter + "\n---\n" + body
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func echoInterpreter() *interp.Fake {
	return &interp.Fake{Handler: func(ctx context.Context, prog *interp.Program, args map[string]any, caps *trust.Table, fuel int, timeout time.Duration, context map[string]string) (*interp.Outcome, *errs.Error) {
		return &interp.Outcome{Output: "done", FuelUsed: 1}, nil
	}}
}

func newExecutor(t *testing.T, interp interp.Interpreter, limiter *ratelimit.Limiter) *Executor {
	t.Helper()
	c, err := cache.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return New(Config{Cache: c, RateLimiter: limiter, Interpreter: interp})
}

func TestExecuteSucceedsForMainProvenance(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "a.md", "name: greet\ntrust_level: read", "say hello")
	e := newExecutor(t, echoInterpreter(), nil)

	res := e.Execute(context.Background(), Request{SkillPath: path, Provenance: trust.ProvenanceMain, JailRoot: t.TempDir()})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Output != "done" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecuteRefusesPublicShellSkill(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "shell.md", "name: runner\ntrust_level: shell", "run stuff")
	e := newExecutor(t, echoInterpreter(), nil)

	res := e.Execute(context.Background(), Request{SkillPath: path, Provenance: trust.ProvenancePublic, JailRoot: t.TempDir()})
	if res.Success {
		t.Fatal("expected trust denial for public-provenance shell skill")
	}
	if res.Error == nil || res.Error.Kind != errs.TrustDenied {
		t.Fatalf("expected TrustDenied, got %+v", res.Error)
	}
}

func TestExecuteRejectsForbiddenConstructSkill(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "evil.md", "name: evil", "function run() { return eval(x); }")
	e := newExecutor(t, echoInterpreter(), nil)

	res := e.Execute(context.Background(), Request{SkillPath: path, Provenance: trust.ProvenanceMain, JailRoot: t.TempDir()})
	if res.Success {
		t.Fatal("expected rejection for forbidden construct")
	}
	if res.Error == nil || res.Error.Kind != errs.SkillValidationFailed {
		t.Fatalf("expected SkillValidationFailed, got %+v", res.Error)
	}
}

func TestExecuteCachesSkillAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "a.md", "name: greet\ntrust_level: read", "say hello")
	e := newExecutor(t, echoInterpreter(), nil)

	for i := 0; i < 2; i++ {
		res := e.Execute(context.Background(), Request{SkillPath: path, Provenance: trust.ProvenanceMain, JailRoot: t.TempDir()})
		if !res.Success {
			t.Fatalf("call %d: expected success, got %+v", i, res)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok, err := e.cache.Get(path, cache.ContentHash(data)); err != nil || !ok {
		t.Fatalf("expected skill cached after execution (ok=%v, err=%v)", ok, err)
	}
}

func TestExecuteRateLimitedRequesterShortCircuitsInterpreter(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "a.md", "name: greet\ntrust_level: read", "say hello")

	called := false
	fake := &interp.Fake{Handler: func(ctx context.Context, prog *interp.Program, args map[string]any, caps *trust.Table, fuel int, timeout time.Duration, context map[string]string) (*interp.Outcome, *errs.Error) {
		called = true
		return &interp.Outcome{}, nil
	}}

	limiter := ratelimit.New(ratelimit.Config{
		RequesterWindow: time.Minute, RequesterCap: 0, RequesterConcurrency: 10,
		GlobalWindow: time.Minute, GlobalCap: 100, GlobalConcurrency: 50,
		Cooldown: time.Minute,
	})
	e := newExecutor(t, fake, limiter)

	res := e.Execute(context.Background(), Request{SkillPath: path, Provenance: trust.ProvenanceMain, Requester: "u1", JailRoot: t.TempDir()})
	if res.Success {
		t.Fatal("expected rate-limit refusal")
	}
	if res.Error == nil || res.Error.Kind != errs.RateLimited {
		t.Fatalf("expected RateLimited, got %+v", res.Error)
	}
	if called {
		t.Fatal("interpreter must not be invoked when rate-limited")
	}
}

func TestExecuteRecordEndRunsOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "a.md", "name: greet\ntrust_level: read", "say hello")

	limiter := ratelimit.New(ratelimit.Config{
		RequesterWindow: time.Minute, RequesterCap: 10, RequesterConcurrency: 1,
		GlobalWindow: time.Minute, GlobalCap: 100, GlobalConcurrency: 50,
		Cooldown: time.Minute,
	})
	e := newExecutor(t, echoInterpreter(), limiter)

	for i := 0; i < 3; i++ {
		res := e.Execute(context.Background(), Request{SkillPath: path, Provenance: trust.ProvenanceMain, Requester: "u1", JailRoot: t.TempDir()})
		if !res.Success {
			t.Fatalf("call %d: expected success (concurrency should be released), got %+v", i, res)
		}
	}
}

func TestAdministrativeOperations(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "a.md", "name: greet\ntrust_level: read", "say hello")

	limiter := ratelimit.DefaultPublicFacing(nil, nil)
	e := newExecutor(t, echoInterpreter(), limiter)

	e.AddSelfIdentity("bot-1")
	res := e.Execute(context.Background(), Request{SkillPath: path, Provenance: trust.ProvenanceMain, Requester: "bot-1", JailRoot: t.TempDir()})
	if res.Success {
		t.Fatal("expected self-identity rejection")
	}
	e.RemoveSelfIdentity("bot-1")

	res = e.Execute(context.Background(), Request{SkillPath: path, Provenance: trust.ProvenanceMain, Requester: "bot-1", JailRoot: t.TempDir()})
	if !res.Success {
		t.Fatalf("expected success after removing self-identity, got %+v", res)
	}

	stats := e.Stats()
	if stats.TrackedRequesters == 0 {
		t.Error("expected at least one tracked requester")
	}

	if err := e.InvalidateSkill(path); err != nil {
		t.Errorf("invalidate: %v", err)
	}
	if err := e.ResetCache(); err != nil {
		t.Errorf("reset cache: %v", err)
	}
}

func TestDisabledSkillIsRefusedBeforeRateLimit(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "a.md", "name: greet\ntrust_level: read", "say hello")
	e := newExecutor(t, echoInterpreter(), nil)

	e.DisableSkill("greet")
	res := e.Execute(context.Background(), Request{SkillPath: path, Provenance: trust.ProvenanceMain, JailRoot: t.TempDir()})
	if res.Success {
		t.Fatal("expected disabled skill to be refused")
	}
	if res.Error == nil || res.Error.Message != errs.MsgBlocked {
		t.Fatalf("expected MsgBlocked, got %+v", res.Error)
	}

	e.EnableSkill("greet")
	res = e.Execute(context.Background(), Request{SkillPath: path, Provenance: trust.ProvenanceMain, JailRoot: t.TempDir()})
	if !res.Success {
		t.Fatalf("expected success after re-enabling, got %+v", res)
	}
}
