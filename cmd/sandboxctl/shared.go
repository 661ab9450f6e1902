package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/behrlich/capsule/internal/cache"
	"github.com/behrlich/capsule/internal/config"
	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/events"
	"github.com/behrlich/capsule/internal/executor"
	"github.com/behrlich/capsule/internal/interp"
	"github.com/behrlich/capsule/internal/llm"
	"github.com/behrlich/capsule/internal/llmcap"
	"github.com/behrlich/capsule/internal/ratelimit"
	"github.com/behrlich/capsule/internal/shellcap"
	"github.com/behrlich/capsule/internal/trust"
)

// loadConfig merges the user and project settings files with
// config.Manager's precedence: project overrides user.
func loadConfig() (*config.Config, error) {
	userDir, err := config.GetUserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("user config dir: %w", err)
	}
	projectDir, err := config.GetProjectDir()
	if err != nil {
		return nil, fmt.Errorf("project dir: %w", err)
	}
	mgr := config.NewManager()
	if err := mgr.Load(userDir, projectDir); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return mgr.Get(), nil
}

// echoInterpreter stands in for the out-of-scope bytecode interpreter: it
// reports the skill's compiled program bytes back as output without
// exercising the capability table. sandboxctl is a thin library exerciser
// in the teacher's cmd/ idiom, not a product CLI — a real deployment wires
// its own Interpreter into executor.Config.
func echoInterpreter() *interp.Fake {
	return &interp.Fake{Handler: func(ctx context.Context, prog *interp.Program, args map[string]any, caps *trust.Table, fuel int, timeout time.Duration, runCtx map[string]string) (*interp.Outcome, *errs.Error) {
		return &interp.Outcome{Output: string(prog.Source), FuelUsed: 1}, nil
	}}
}

// sandbox bundles the wired executor with the request context derived from
// merged configuration, so each subcommand only has to fill in the
// skill-specific fields.
type sandbox struct {
	exec               *executor.Executor
	jailRoot           string
	allowedHosts       []string
	extraShellCommands []shellcap.CommandEntry
	predict            llmcap.PredictFunc
	close              func()
}

// buildSandbox wires an Executor from merged configuration: the sqlite
// skill cache, the rate limiter (selected by profile), a shell command
// allowlist built from bare names, and a log-based event sink.
func buildSandbox(cfg *config.Config, log *slog.Logger) (*sandbox, error) {
	c, err := cache.Open(":memory:", log)
	if err != nil {
		return nil, fmt.Errorf("open skill cache: %w", err)
	}

	var limiter *ratelimit.Limiter
	switch cfg.RateLimitProfile {
	case "strict":
		limiter = ratelimit.Strict(nil, nil)
	default:
		limiter = ratelimit.DefaultPublicFacing(nil, nil)
	}

	allowlist := make([]shellcap.CommandEntry, 0, len(cfg.ShellAllowlist))
	for _, name := range cfg.ShellAllowlist {
		allowlist = append(allowlist, shellcap.CommandEntry{Name: name})
	}

	sink := events.SinkFunc(func(r events.Record) {
		log.Info("event", "kind", r.Kind, "skill", r.Skill, "domain", r.Domain, "detail", r.Detail)
	})

	var predict llmcap.PredictFunc
	if cfg.APIKey != "" {
		client := llm.NewClient(&llm.ClientConfig{DefaultModel: cfg.Model, APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
		predict = llm.NewPredictAdapter(client).Func()
	}

	exec := executor.New(executor.Config{
		Cache:       c,
		RateLimiter: limiter,
		Interpreter: echoInterpreter(),
		Sink:        sink,
		Log:         log,
	})

	return &sandbox{
		exec:               exec,
		jailRoot:           cfg.JailRoot,
		allowedHosts:       cfg.AllowedHosts,
		extraShellCommands: allowlist,
		predict:            predict,
		close:              func() { c.Close() },
	}, nil
}
