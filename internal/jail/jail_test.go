package jail

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/events"
)

func newCap(t *testing.T, opts ...func(*Config)) (*Capability, string) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{Root: root, AllowWrite: true, AllowCreate: true, AllowDelete: true}
	for _, o := range opts {
		o(&cfg)
	}
	cap, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cap, root
}

func TestReadTraversalDenied(t *testing.T) {
	var lastDetail string
	cap, root := newCap(t, func(c *Config) {
		c.Sink = events.SinkFunc(func(r events.Record) {
			if r.Kind == events.Blocked {
				lastDetail = r.Detail
			}
		})
	})
	os.MkdirAll(filepath.Join(root, "ws"), 0o755)

	_, err := cap.Read("../../../etc/passwd")
	if err == nil {
		t.Fatal("expected denial")
	}
	var e *errs.Error
	if !asErr(err, &e) {
		t.Fatalf("expected *errs.Error, got %T", err)
	}
	if e.Kind != errs.CapabilityRefused || e.Domain != errs.DomainFS {
		t.Fatalf("unexpected kind/domain: %+v", e)
	}
	if e.Error() != errs.MsgAccessDenied {
		t.Fatalf("expected opaque message %q, got %q", errs.MsgAccessDenied, e.Error())
	}
	if lastDetail == "" {
		t.Fatal("expected a hook to fire with detail")
	}
}

func asErr(err error, target **errs.Error) bool {
	if e, ok := err.(*errs.Error); ok {
		*target = e
		return true
	}
	return false
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	cap, _ := newCap(t)
	content := "hello, sandbox\n"
	if err := cap.Write("notes.txt", content); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := cap.Read("notes.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != content {
		t.Fatalf("round trip mismatch: got %q want %q", got, content)
	}
}

func TestBlockedFilePatternNeverSucceeds(t *testing.T) {
	cap, root := newCap(t)
	os.WriteFile(filepath.Join(root, ".env"), []byte("SECRET=1"), 0o600)

	if _, err := cap.Read(".env"); err == nil {
		t.Fatal("expected .env read to be refused")
	}
	if cap.Exists(".env") {
		t.Fatal("Exists must not disclose a blocked path")
	}
}

func TestListFiltersBlockedEntries(t *testing.T) {
	cap, root := newCap(t)
	os.WriteFile(filepath.Join(root, "visible.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, ".env"), []byte("SECRET=1"), 0o600)

	entries, err := cap.List(".")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, e := range entries {
		if e.Name == ".env" {
			t.Fatal("list disclosed a blocked entry")
		}
	}
	found := false
	for _, e := range entries {
		if e.Name == "visible.txt" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected visible.txt to be listed")
	}
}

func TestWriteRespectsAllowWrite(t *testing.T) {
	cap, _ := newCap(t, func(c *Config) { c.AllowWrite = false })
	if err := cap.Write("x.txt", "data"); err == nil {
		t.Fatal("expected write to be refused when AllowWrite is false")
	}
}

func TestDeleteRespectsAllowDelete(t *testing.T) {
	cap, root := newCap(t, func(c *Config) { c.AllowDelete = false })
	os.WriteFile(filepath.Join(root, "x.txt"), []byte("x"), 0o644)
	if err := cap.Delete("x.txt"); err == nil {
		t.Fatal("expected delete to be refused when AllowDelete is false")
	}
}

func TestReadRejectsDirectory(t *testing.T) {
	cap, root := newCap(t)
	os.MkdirAll(filepath.Join(root, "sub"), 0o755)
	if _, err := cap.Read("sub"); err == nil {
		t.Fatal("expected directory read to be refused")
	}
}

func TestReadCapEnforced(t *testing.T) {
	cap, root := newCap(t, func(c *Config) { c.ReadCap = 4 })
	os.WriteFile(filepath.Join(root, "big.txt"), []byte("way too much data"), 0o644)
	if _, err := cap.Read("big.txt"); err == nil {
		t.Fatal("expected oversize read to be refused")
	}
}

func TestAbsolutePathEscapeDenied(t *testing.T) {
	cap, _ := newCap(t)
	if _, err := cap.Read("/etc/shadow"); err == nil {
		t.Fatal("expected absolute system path to be refused")
	}
}
