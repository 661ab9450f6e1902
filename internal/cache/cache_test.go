package cache

import (
	"testing"

	"github.com/behrlich/capsule/internal/skill"
	"github.com/behrlich/capsule/internal/trust"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := openTestCache(t)
	s := &skill.Skill{Name: "jira-briefing", Version: "1.0.0", TrustLevel: "read", Capabilities: []string{"fs.read"}, Body: "do the thing"}
	hash := ContentHash([]byte(s.Body))

	if err := c.Put("/skills/jira.md", hash, s, trust.LevelRead); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, level, ok, err := c.Get("/skills/jira.md", hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Name != "jira-briefing" || got.Body != "do the thing" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if level != trust.LevelRead {
		t.Errorf("level = %s, want read", level)
	}
}

func TestGetMissesOnHashMismatch(t *testing.T) {
	c := openTestCache(t)
	s := &skill.Skill{Name: "x", Body: "v1"}
	if err := c.Put("/skills/x.md", ContentHash([]byte("v1")), s, trust.LevelNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, _, ok, err := c.Get("/skills/x.md", ContentHash([]byte("v2")))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected a content-hash mismatch to miss")
	}
}

func TestGetMissesOnUnknownPath(t *testing.T) {
	c := openTestCache(t)
	_, _, ok, err := c.Get("/skills/nope.md", "deadbeef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected miss on unknown path")
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := openTestCache(t)
	s := &skill.Skill{Name: "x", Body: "v1"}
	hash := ContentHash([]byte("v1"))
	if err := c.Put("/skills/x.md", hash, s, trust.LevelNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Invalidate("/skills/x.md"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_, _, ok, err := c.Get("/skills/x.md", hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected invalidated entry to miss")
	}
}

func TestResetClearsEverything(t *testing.T) {
	c := openTestCache(t)
	hash := ContentHash([]byte("v1"))
	if err := c.Put("/skills/a.md", hash, &skill.Skill{Name: "a", Body: "v1"}, trust.LevelNone); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := c.Put("/skills/b.md", hash, &skill.Skill{Name: "b", Body: "v1"}, trust.LevelNone); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	for _, p := range []string{"/skills/a.md", "/skills/b.md"} {
		_, _, ok, err := c.Get(p, hash)
		if err != nil {
			t.Fatalf("get %s: %v", p, err)
		}
		if ok {
			t.Errorf("expected %s to be cleared by Reset", p)
		}
	}
}
