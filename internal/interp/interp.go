// Package interp defines the Interpreter contract the executor drives: a
// compiled Program runs under a fuel budget and wall-clock timeout, and
// every effect it attempts is dispatched through a capability table rather
// than resolved by name, reflection, or metaprogramming. The transpiler
// that produces a Program, and any concrete interpreter for it, are out of
// scope (spec Non-goals) — this package only fixes the boundary the
// executor programs against, plus a fake used to exercise that boundary in
// tests.
package interp

import (
	"context"
	"time"

	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/trust"
)

// Program is the compiled, opaque form of a skill's source. Its bytes mean
// nothing to this package; only the transpiler and the interpreter that
// accepts it agree on their shape.
type Program struct {
	Source []byte
}

// Outcome is what one Run call produces before the executor maps it onto
// an ExecutionResult.
type Outcome struct {
	Output   string
	FuelUsed int
	Trace    []string
	Warnings []string
}

// Interpreter executes a compiled Program against a capability table under
// a fuel budget and timeout. A capability family absent from caps (a nil
// field) must be refused as CapabilityRefused the moment the program
// attempts to use it, not panic.
type Interpreter interface {
	Run(ctx context.Context, prog *Program, args map[string]any, caps *trust.Table, fuel int, timeout time.Duration, context map[string]string) (*Outcome, *errs.Error)
}

// Fake is a test-only Interpreter whose behavior is supplied by Handler.
// It exists so the executor's orchestration (rate limiting, trust checks,
// capability assembly, result mapping) can be exercised without a real
// transpiled program.
type Fake struct {
	Handler func(ctx context.Context, prog *Program, args map[string]any, caps *trust.Table, fuel int, timeout time.Duration, context map[string]string) (*Outcome, *errs.Error)
}

// Run implements Interpreter.
func (f *Fake) Run(ctx context.Context, prog *Program, args map[string]any, caps *trust.Table, fuel int, timeout time.Duration, context map[string]string) (*Outcome, *errs.Error) {
	if f.Handler == nil {
		return &Outcome{}, nil
	}
	return f.Handler(ctx, prog, args, caps, fuel, timeout, context)
}
