package shellcap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// processAlive reports whether pid still names a running (non-zombie)
// process, by reading its /proc/<pid>/stat state field. A zombie is
// treated as dead: it has already been terminated by a signal, it is
// merely waiting on its parent to reap it, which this test process may
// never do for an orphaned grandchild.
func processAlive(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return false
	}
	return fields[2] != "Z"
}

// waitForDead polls pid until it is no longer alive or the deadline
// passes, returning whether it died in time.
func waitForDead(t *testing.T, pid int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return !processAlive(pid)
}

func TestRunLexesQuotedArguments(t *testing.T) {
	c := New(Config{})
	res, err := c.Run(context.Background(), `echo 'hello world' "second arg"`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "hello world second arg\n"
	if res.Stdout != want {
		t.Fatalf("got %q want %q", res.Stdout, want)
	}
}

func TestRunRejectsShellMetacharacters(t *testing.T) {
	c := New(Config{})
	if _, err := c.Run(context.Background(), "echo hi; rm -rf /"); err == nil {
		t.Fatal("expected metacharacter rejection")
	}
}

func TestExecRejectsUnlistedExecutable(t *testing.T) {
	c := New(Config{Allowlist: []CommandEntry{{Name: "echo"}}})
	if _, err := c.Exec(context.Background(), "cat", []string{"/etc/passwd"}); err == nil {
		t.Fatal("expected allowlist rejection")
	}
}

func TestExecRejectsTraversalArgument(t *testing.T) {
	c := New(Config{})
	if _, err := c.Exec(context.Background(), "cat", []string{"../../../etc/passwd"}); err == nil {
		t.Fatal("expected traversal argument rejection")
	}
}

func TestExecStrictArgsRejectsUnmatched(t *testing.T) {
	c := New(Config{Allowlist: []CommandEntry{{Name: "echo", StrictArgs: true}}})
	if _, err := c.Exec(context.Background(), "echo", []string{"surprise"}); err == nil {
		t.Fatal("expected strict-args rejection when no patterns declared")
	}
}

// TestTimeoutKillsProcessTree exercises the literal scenario from the
// capability's worked example: a 500ms timeout against a command that
// forks two background children and waits on them. Both the parent and
// its children must actually be spawned (Exec no longer rejects `&` as a
// metacharacter — it is only a literal argv byte with no shell around it
// to interpret) and must actually be dead well within a second of the
// deadline, not merely "Exec returned an error."
func TestTimeoutKillsProcessTree(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pids")

	c := New(Config{Timeout: 500 * time.Millisecond, GracePeriod: 200 * time.Millisecond})

	ctx := context.Background()
	start := time.Now()
	script := fmt.Sprintf("sleep 100 & echo $! >> %s; sleep 100 & echo $! >> %s; wait", pidFile, pidFile)
	result, err := c.Exec(ctx, "sh", []string{"-c", script})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout refusal")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected termination within ~1s, took %s", elapsed)
	}
	if result != nil && !result.Killed {
		t.Fatal("expected result to report Killed")
	}

	data, rerr := os.ReadFile(pidFile)
	if rerr != nil {
		t.Fatalf("read pid file: %v", rerr)
	}
	pids := strings.Fields(string(data))
	if len(pids) != 2 {
		t.Fatalf("expected 2 recorded child pids, got %d: %q", len(pids), data)
	}
	for _, ps := range pids {
		pid, perr := strconv.Atoi(ps)
		if perr != nil {
			t.Fatalf("parse pid %q: %v", ps, perr)
		}
		if !waitForDead(t, pid, time.Second) {
			t.Fatalf("child pid %d still running after tree kill", pid)
		}
	}
}

// TestOutputCapTerminatesTree spawns an unbounded writer ("yes") alongside
// a sibling ("sleep 5") that produces no output at all, so the only way
// the sibling dies is if the cap overflow kills the whole process group
// rather than just the offending writer.
func TestOutputCapTerminatesTree(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pids")

	c := New(Config{OutputCap: 16})
	script := fmt.Sprintf("yes & echo $! >> %s; sleep 5 & echo $! >> %s; wait", pidFile, pidFile)

	start := time.Now()
	_, err := c.Exec(context.Background(), "sh", []string{"-c", script})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected output-cap refusal")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected termination well before the sibling's own sleep finishes, took %s", elapsed)
	}

	data, rerr := os.ReadFile(pidFile)
	if rerr != nil {
		t.Fatalf("read pid file: %v", rerr)
	}
	pids := strings.Fields(string(data))
	if len(pids) != 2 {
		t.Fatalf("expected 2 recorded child pids, got %d: %q", len(pids), data)
	}
	for _, ps := range pids {
		pid, perr := strconv.Atoi(ps)
		if perr != nil {
			t.Fatalf("parse pid %q: %v", ps, perr)
		}
		if !waitForDead(t, pid, time.Second) {
			t.Fatalf("sibling pid %d still running after output-cap tree kill", pid)
		}
	}
}

func TestLexUnterminatedQuote(t *testing.T) {
	c := New(Config{})
	if _, err := c.Run(context.Background(), `echo "unterminated`); err == nil {
		t.Fatal("expected unterminated-quote refusal")
	}
}
