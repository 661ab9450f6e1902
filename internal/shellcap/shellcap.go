// Package shellcap implements the shell execution capability (spec §4.3):
// a validated argv, spawned in its own process group so a timeout kills the
// whole tree rather than an orphaned child, with hard caps on combined
// stdout/stderr. Grounded on the teacher's os/exec + process-group-signal
// idiom from its deny-init wrapper, minus the namespace/mount machinery
// that package needed and this one does not.
package shellcap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/capsule/internal/catalog"
	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/events"
	"github.com/behrlich/capsule/internal/jail"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultGracePeriod = 1 * time.Second
	defaultOutputCap   = 1 << 20 // 1 MiB combined stdout+stderr
	canonicalPATH      = "/usr/bin:/bin:/usr/local/bin"
)

// shellMetaChars are rejected outright in any token: the capability never
// invokes a shell, so these would be passed through literally and are
// almost always an attempt to break out into one via a misconfigured
// downstream consumer.
var shellMetaChars = regexp.MustCompile(`[;&|` + "`" + `$(){}\[\]<>\n]`)

// dangerousArgPatterns flags arguments that indicate privilege escalation,
// destructive recursion, traversal, or an attempt to reach outside the jail
// via the invoked command's own flags.
var dangerousArgPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\.`),
	regexp.MustCompile(`^~`),
	regexp.MustCompile(`^/etc/`),
	regexp.MustCompile(`^/proc/`),
	regexp.MustCompile(`^/sys/`),
	regexp.MustCompile(`^/dev/`),
	regexp.MustCompile(`\x00`),
	regexp.MustCompile(`%2e%2e`),
	regexp.MustCompile(`^-rf$`),
	regexp.MustCompile(`^--no-preserve-root$`),
	regexp.MustCompile(`(?i)^sudo$`),
	regexp.MustCompile(`(?i)^su$`),
	regexp.MustCompile(`(?i)^mount$`),
	regexp.MustCompile(`(?i)^dd$`),
}

// CommandEntry is one allowlisted executable and its own argument policy.
// A nil ArgPatterns with StrictArgs set means the command takes no extra
// arguments at all.
type CommandEntry struct {
	Name        string
	ArgPatterns []*regexp.Regexp
	StrictArgs  bool
	WorkDir     string
	Env         map[string]string
	Timeout     time.Duration
	OutputCap   int64
}

// Config configures a Capability.
type Config struct {
	// Allowlist names the admissible executables and their argument
	// policy. Empty means any executable is admissible subject to the
	// generic checks only.
	Allowlist []CommandEntry

	// Jail, if set, requires every path-like argument to resolve inside
	// it; path-like arguments that escape are refused.
	Jail *jail.Capability

	// BlockPatterns supplement this package's dangerous-argument table.
	BlockPatterns []*regexp.Regexp

	Timeout     time.Duration
	GracePeriod time.Duration
	OutputCap   int64

	Env map[string]string

	Sink events.Sink
}

// Capability is a ready-to-use shell execution capability.
type Capability struct {
	allowlist     map[string]CommandEntry
	hasAllowlist  bool
	jail          *jail.Capability
	blockPatterns []*regexp.Regexp
	timeout       time.Duration
	gracePeriod   time.Duration
	outputCap     int64
	env           map[string]string
	jailRoot      string
	sink          events.Sink
}

// New builds a Capability from cfg.
func New(cfg Config) *Capability {
	allow := make(map[string]CommandEntry, len(cfg.Allowlist))
	for _, e := range cfg.Allowlist {
		allow[e.Name] = e
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	grace := cfg.GracePeriod
	if grace == 0 {
		grace = defaultGracePeriod
	}
	outCap := cfg.OutputCap
	if outCap == 0 {
		outCap = defaultOutputCap
	}
	sink := cfg.Sink
	if sink == nil {
		sink = events.Null
	}
	jailRoot := ""
	if cfg.Jail != nil {
		jailRoot = cfg.Jail.Root()
	}
	return &Capability{
		allowlist:     allow,
		hasAllowlist:  len(cfg.Allowlist) > 0,
		jail:          cfg.Jail,
		blockPatterns: cfg.BlockPatterns,
		timeout:       timeout,
		gracePeriod:   grace,
		outputCap:     outCap,
		env:           catalog.SanitizeEnv(cfg.Env),
		jailRoot:      jailRoot,
		sink:          sink,
	}
}

// Result is the outcome of a command invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Killed   bool
	Duration time.Duration
}

// Run lexes line as a whitespace-separated command honoring single and
// double quotes, then executes it via Exec. Run's own lexer never
// understands shell metacharacters such as `;`, `|`, `&`, or `$(...)` as
// anything but literal token bytes, so any token containing one is
// refused here, before Exec's argument-validation pipeline ever runs —
// the meaning a real shell would give those characters (sequencing,
// piping, backgrounding, substitution) would otherwise silently not
// happen, which is worse than refusing outright.
func (c *Capability) Run(ctx context.Context, line string) (*Result, error) {
	tokens, err := lex(line)
	if err != nil {
		return nil, c.deny("", "Malformed command line: "+err.Error())
	}
	if len(tokens) == 0 {
		return nil, c.deny("", "Empty command line")
	}
	for _, t := range tokens {
		if shellMetaChars.MatchString(t) {
			return nil, c.deny(tokens[0], "Shell metacharacter in token: "+t)
		}
	}
	return c.Exec(ctx, tokens[0], tokens[1:])
}

// Exec bypasses command-line parsing entirely: name and args are passed to
// the child process verbatim, as argv elements, never interpreted by a
// shell. A literal `&` or `|` in an argument here is just a byte in that
// argument — there is no shell around the child for it to mean anything
// to — so Exec does not apply Run's metacharacter scan. Arguments are
// still subject to the dangerous-pattern, blocked-file, and jail checks.
func (c *Capability) Exec(ctx context.Context, name string, args []string) (*Result, error) {
	entry, err := c.validate(name, args)
	if err != nil {
		return nil, err
	}

	c.sink.Emit(events.Record{Kind: events.Access, Domain: "shell", Operation: "exec", Target: name + " " + strings.Join(args, " ")})

	cmd := exec.Command(name, args...)
	cmd.Env = c.buildEnv(entry)
	if entry.WorkDir != "" {
		cmd.Dir = entry.WorkDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outCap := c.outputCap
	if entry.OutputCap > 0 {
		outCap = entry.OutputCap
	}
	var stdout, stderr capBuffer
	stdout.limit = outCap
	stderr.limit = outCap
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	overCap := func() bool {
		return stdout.overflowed || stderr.overflowed ||
			int64(len(stdout.String())+len(stderr.String())) > outCap
	}

	timeout := c.timeout
	if entry.Timeout > 0 {
		timeout = entry.Timeout
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, c.deny(name, "Failed to start process: "+err.Error())
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// capBuffer.Write discards past its limit rather than erroring, so a
	// process producing unbounded output never sees a write failure and
	// never exits on its own. Poll it so the overflow is acted on promptly
	// instead of only being noticed once the process happens to exit, get
	// canceled, or hit the full timeout.
	overflowPoll := time.NewTicker(50 * time.Millisecond)
	defer overflowPoll.Stop()

	killed := false
	overflow := false
waitLoop:
	for {
		select {
		case <-ctx.Done():
			killed = true
			killTree(cmd.Process.Pid, c.gracePeriod)
			<-done
			break waitLoop
		case <-timer.C:
			killed = true
			killTree(cmd.Process.Pid, c.gracePeriod)
			<-done
			break waitLoop
		case <-overflowPoll.C:
			if overCap() {
				overflow = true
				killTree(cmd.Process.Pid, c.gracePeriod)
				<-done
				break waitLoop
			}
		case err := <-done:
			if err != nil {
				if _, ok := err.(*exec.ExitError); !ok {
					return nil, c.deny(name, "Process failed: "+err.Error())
				}
			}
			if overCap() {
				overflow = true
			}
			break waitLoop
		}
	}

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(cmd),
		Killed:   killed || overflow,
		Duration: time.Since(start),
	}
	if killed {
		c.sink.Emit(events.Record{Kind: events.Blocked, Domain: "shell", Operation: "exec", Target: name, Detail: "Timed out; process tree killed"})
		return result, errs.Shell("Timed out")
	}
	if overflow {
		c.sink.Emit(events.Record{Kind: events.Blocked, Domain: "shell", Operation: "exec", Target: name, Detail: "Output exceeded size cap"})
		return result, errs.Shell("Output too large")
	}
	return result, nil
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// killTree sends SIGTERM to the whole process group, waits for grace, then
// SIGKILLs anything still alive. Using the negative pid addresses the group
// rather than the single leader process.
func killTree(pid int, grace time.Duration) {
	pgid := -pid
	unix.Kill(pgid, syscall.SIGTERM)
	time.AfterFunc(grace, func() {
		unix.Kill(pgid, syscall.SIGKILL)
	})
}

// validate runs spec §4.3's argument-validation pipeline and returns the
// matched allowlist entry (zero value if no allowlist is configured).
func (c *Capability) validate(name string, args []string) (CommandEntry, error) {
	var entry CommandEntry
	if c.hasAllowlist {
		e, ok := c.allowlist[name]
		if !ok {
			return entry, c.deny(name, "Executable not in allowlist")
		}
		entry = e
	}

	for _, a := range args {
		isFlag := strings.HasPrefix(a, "-")

		for _, p := range dangerousArgPatterns {
			if p.MatchString(a) {
				return entry, c.deny(name, "Dangerous argument: "+a)
			}
		}
		for _, p := range c.blockPatterns {
			if p.MatchString(a) {
				return entry, c.deny(name, "Blocked argument pattern: "+a)
			}
		}

		if !isFlag {
			if m := catalog.IsBlocked(a); m.Blocked {
				return entry, c.deny(name, "Blocked file pattern: "+m.Description)
			}
			if c.jail != nil && looksLikePath(a) {
				if _, err := c.jail.Stat(a); err != nil {
					if e, ok := err.(*errs.Error); ok && e.Kind == errs.CapabilityRefused {
						return entry, c.deny(name, "Argument escapes filesystem jail: "+a)
					}
				}
			}
		}

		if entry.StrictArgs {
			if len(entry.ArgPatterns) == 0 {
				return entry, c.deny(name, "Command takes no extra arguments")
			}
			matched := false
			for _, p := range entry.ArgPatterns {
				if p.MatchString(a) {
					matched = true
					break
				}
			}
			if !matched {
				return entry, c.deny(name, "Argument does not match declared pattern: "+a)
			}
		}
	}
	return entry, nil
}

// buildEnv injects a canonical PATH and a HOME pinned to the jail root (to
// neutralize tilde expansion inside the child), then layers the
// capability-wide and per-command environments on top.
func (c *Capability) buildEnv(entry CommandEntry) []string {
	merged := map[string]string{
		"PATH": canonicalPATH,
		"HOME": c.jailRoot,
	}
	for k, v := range c.env {
		merged[k] = v
	}
	for k, v := range catalog.SanitizeEnv(entry.Env) {
		merged[k] = v
	}
	return envSlice(merged)
}

// looksLikePath is a conservative heuristic: anything containing a path
// separator or a leading dot or tilde, excluding flags.
func looksLikePath(arg string) bool {
	if strings.HasPrefix(arg, "-") {
		return false
	}
	return strings.ContainsAny(arg, "/") || strings.HasPrefix(arg, ".") || strings.HasPrefix(arg, "~")
}

func (c *Capability) deny(name, reason string) error {
	c.sink.Emit(events.Record{Kind: events.Blocked, Domain: "shell", Operation: "exec", Target: name, Detail: reason})
	return errs.Shell(reason)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// lex splits line on whitespace, honoring single and double quotes. It
// returns an error on an unterminated quote.
func lex(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote rune

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
			inToken = true
			continue
		}
		switch {
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return tokens, nil
}

// capBuffer is an io.Writer that stops accepting bytes once limit is
// reached and records the overflow, rather than buffering an
// attacker-controlled amount of output.
type capBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	overflowed bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.overflowed = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.overflowed = true
		p = p[:remaining]
	}
	return b.buf.Write(p)
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ io.Writer = (*capBuffer)(nil)
