// Package trust implements the trust-level policy (spec §4.6): it
// translates a (declared level, provenance, context) triple into a
// capability table, a fuel budget, and a timeout. Grounded on the
// teacher's risk-level policy document (NetworkPolicy/FilesystemPolicy/
// ToolsPolicy with an ordered risk severity map), adapted from a
// rule-matching policy document to a strictly ordered capability ladder.
package trust

import (
	"fmt"
	"strings"
	"time"

	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/events"
	"github.com/behrlich/capsule/internal/fetchcap"
	"github.com/behrlich/capsule/internal/jail"
	"github.com/behrlich/capsule/internal/llmcap"
	"github.com/behrlich/capsule/internal/shellcap"
)

// Level is a rung on the capability ladder. Strictly totally ordered: each
// level implies strictly more authority than the one before it.
type Level int

const (
	LevelNone Level = iota
	LevelNetwork
	LevelRead
	LevelLLM
	LevelWrite
	LevelShell
	LevelFull
)

var levelNames = [...]string{"none", "network", "read", "llm", "write", "shell", "full"}

func (l Level) String() string {
	if l < LevelNone || int(l) >= len(levelNames) {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel parses a declared trust_level string. An empty or unrecognized
// string is not an error here — callers that need a level for an
// undeclared skill should fall back to InferLevel instead.
func ParseLevel(s string) (Level, bool) {
	for i, n := range levelNames {
		if n == s {
			return Level(i), true
		}
	}
	return LevelNone, false
}

// Provenance names who initiated a request.
type Provenance string

const (
	ProvenanceMain   Provenance = "main"
	ProvenanceDM     Provenance = "dm"
	ProvenanceGroup  Provenance = "group"
	ProvenancePublic Provenance = "public"
)

// ceilings maps provenance to the maximum level it may ever run at.
var ceilings = map[Provenance]Level{
	ProvenanceMain:   LevelFull,
	ProvenanceDM:     LevelWrite,
	ProvenanceGroup:  LevelLLM,
	ProvenancePublic: LevelNetwork,
}

// CheckCeiling refuses a level that exceeds the provenance's ceiling. An
// unrecognized provenance is treated as public, the most restrictive
// ceiling, rather than erroring outright.
func CheckCeiling(level Level, prov Provenance, sink events.Sink) *errs.Error {
	ceiling, ok := ceilings[prov]
	if !ok {
		ceiling = ceilings[ProvenancePublic]
	}
	if level > ceiling {
		reason := fmt.Sprintf("provenance %q ceiling is %s, skill requires %s", prov, ceiling, level)
		if sink != nil {
			sink.Emit(events.Record{
				Kind:      events.TrustDenied,
				Time:      time.Now(),
				Requester: string(prov),
				Detail:    reason,
			})
		}
		return errs.TrustDeniedErr(reason)
	}
	return nil
}

// fuelByLevel and timeoutByLevel are the default budgets (spec §4.6). The
// executor may override these from operator configuration; these are what
// it falls back to when it does not.
var fuelByLevel = map[Level]int{
	LevelNone:    100,
	LevelNetwork: 500,
	LevelRead:    500,
	LevelLLM:     2000,
	LevelWrite:   1000,
	LevelShell:   2000,
	LevelFull:    5000,
}

var timeoutByLevel = map[Level]time.Duration{
	LevelNone:    5 * time.Second,
	LevelNetwork: 30 * time.Second,
	LevelRead:    15 * time.Second,
	LevelLLM:     120 * time.Second,
	LevelWrite:   30 * time.Second,
	LevelShell:   60 * time.Second,
	LevelFull:    300 * time.Second,
}

// Fuel returns the default fuel budget for a level.
func Fuel(level Level) int { return fuelByLevel[level] }

// Timeout returns the default wall-clock timeout for a level.
func Timeout(level Level) time.Duration { return timeoutByLevel[level] }

// tagLevels maps a capability-name tag, as declared in a skill manifest's
// capabilities list, to the minimum level that satisfies it.
var tagLevels = map[string]Level{
	"network": LevelNetwork,
	"fetch":   LevelNetwork,
	"http":    LevelNetwork,

	"read":    LevelRead,
	"fs.read": LevelRead,

	"llm":   LevelLLM,
	"embed": LevelLLM,

	"write":     LevelWrite,
	"fs.write":  LevelWrite,
	"fs.create": LevelWrite,

	"exec":  LevelShell,
	"spawn": LevelShell,
	"shell": LevelShell,

	"full":      LevelFull,
	"fs.delete": LevelFull,
}

// InferLevel maps a set of capability-name tags to the minimum trust level
// that satisfies all of them. An empty or all-unrecognized set infers
// LevelNone.
func InferLevel(tags []string) Level {
	max := LevelNone
	for _, t := range tags {
		if l, ok := tagLevels[strings.ToLower(strings.TrimSpace(t))]; ok && l > max {
			max = l
		}
	}
	return max
}

// Context carries the base factory configuration the host supplies once,
// independent of any one request. Assemble derives a per-level, per-request
// capability table from it without mutating it.
type Context struct {
	Jail  jail.Config
	Shell shellcap.Config
	Fetch fetchcap.Config
	LLM   llmcap.Config
}

// Overrides are operator-configured, per-skill adjustments applied after
// the level-driven assembly so that operator policy always wins over the
// level defaults (spec §4.8 step 7). All fields are additive or
// restrictive, never permission-granting beyond what the resolved level
// already allows — an override cannot hand a public-provenance skill a
// shell it was never ceilinged to reach.
type Overrides struct {
	ExtraAllowedHosts  []string
	ExtraShellCommands []shellcap.CommandEntry
	ForceReadOnly      bool
}

// Table is the capability set assembled for one execution. A nil field
// means that capability was not reached at the resolved level; the
// interpreter must refuse any effect whose field is nil rather than panic.
type Table struct {
	Fetch *fetchcap.Capability
	FS    *jail.Capability
	LLM   *llmcap.Capability
	Shell *shellcap.Capability
}

// Assemble builds the capability table for level, monotonically: each rung
// either adds a new capability or relaxes an existing one, never removes
// one held by a lower rung. full relaxes the filesystem capability's write
// and delete gates but leaves the shell allowlist exactly as configured —
// there is no level at which a skill reaches an unrestricted shell.
func Assemble(level Level, ctx Context, overrides *Overrides) (*Table, error) {
	t := &Table{}
	if level < LevelNetwork {
		return t, nil
	}

	fetchCfg := ctx.Fetch
	if overrides != nil && len(overrides.ExtraAllowedHosts) > 0 {
		fetchCfg.AllowedHosts = append(append([]string{}, fetchCfg.AllowedHosts...), overrides.ExtraAllowedHosts...)
	}
	t.Fetch = fetchcap.New(fetchCfg)

	if level < LevelRead {
		return t, nil
	}

	jailCfg := ctx.Jail
	jailCfg.AllowWrite = level >= LevelWrite
	jailCfg.AllowCreate = level >= LevelWrite
	jailCfg.AllowDelete = level >= LevelFull
	if overrides != nil && overrides.ForceReadOnly {
		jailCfg.AllowWrite = false
		jailCfg.AllowCreate = false
		jailCfg.AllowDelete = false
	}
	fs, err := jail.New(jailCfg)
	if err != nil {
		return nil, fmt.Errorf("assemble filesystem capability: %w", err)
	}
	t.FS = fs

	if level < LevelLLM {
		return t, nil
	}

	llmCap, err := llmcap.New(ctx.LLM)
	if err != nil {
		return nil, fmt.Errorf("assemble llm capability: %w", err)
	}
	t.LLM = llmCap

	if level < LevelShell {
		return t, nil
	}

	shellCfg := ctx.Shell
	shellCfg.Jail = t.FS
	if overrides != nil && len(overrides.ExtraShellCommands) > 0 {
		shellCfg.Allowlist = append(append([]shellcap.CommandEntry{}, shellCfg.Allowlist...), overrides.ExtraShellCommands...)
	}
	t.Shell = shellcap.New(shellCfg)

	return t, nil
}
