// Package cache is the skill manifest cache (spec §4.11/§4.13): a
// content-addressed sqlite table keyed by absolute skill path plus a
// sha-256 hash of the source bytes, storing the parsed manifest fields,
// inferred trust level, and compiled program bytes as a single CBOR blob.
// Grounded on the teacher's internal/relay skill store — the
// modernc.org/sqlite driver, WAL pragma, and ON CONFLICT upsert shape are
// lifted directly from there, adapted from a multi-tenant marketplace
// table (publisher, category, search) to a single-host compiled-skill
// cache keyed for invalidate-on-change rather than browse-and-search.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"github.com/behrlich/capsule/internal/skill"
	"github.com/behrlich/capsule/internal/trust"
)

const schema = `
CREATE TABLE IF NOT EXISTS skill_cache (
	path TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	record BLOB NOT NULL,
	loaded_at DATETIME NOT NULL
);
`

// record is the CBOR-encoded payload stored per cache row. Compiled is a
// stand-in for the transpiler's opaque program bytes (out of scope here);
// this cache treats the skill body as that payload so the storage
// mechanics are exercised even though no compiler exists in this module.
type record struct {
	Name         string            `cbor:"name"`
	Description  string            `cbor:"description"`
	Version      string            `cbor:"version"`
	TrustLevel   string            `cbor:"trust_level"`
	Capabilities []string          `cbor:"capabilities"`
	Tags         []string          `cbor:"tags"`
	InputSchema  map[string]any    `cbor:"input_schema,omitempty"`
	OutputSchema map[string]any    `cbor:"output_schema,omitempty"`
	Compiled     []byte            `cbor:"compiled"`
	ResolvedTrust int              `cbor:"resolved_trust"`
}

// Cache is a content-addressed skill manifest cache backed by sqlite.
type Cache struct {
	db     *sql.DB
	watch  *fsnotify.Watcher
	log    *slog.Logger
}

// Open creates or opens a cache database at dsn (e.g. a file path, or
// ":memory:" for a process-local cache).
func Open(dsn string, log *slog.Logger) (*Cache, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open skill cache: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate skill cache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{db: db, log: log}, nil
}

// Close releases the underlying database handle and stops any active
// watcher.
func (c *Cache) Close() error {
	if c.watch != nil {
		c.watch.Close()
	}
	return c.db.Close()
}

// ContentHash hashes skill source bytes the way cache keys are computed
// throughout this package.
func ContentHash(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached skill and resolved trust level for path if a row
// exists and its content hash matches. A hash mismatch or missing row
// reports ok=false rather than an error — the caller re-parses and re-Puts.
func (c *Cache) Get(path, contentHash string) (s *skill.Skill, level trust.Level, ok bool, err error) {
	var storedHash string
	var blob []byte
	row := c.db.QueryRow("SELECT content_hash, record FROM skill_cache WHERE path = ?", filepath.Clean(path))
	if err := row.Scan(&storedHash, &blob); err == sql.ErrNoRows {
		return nil, 0, false, nil
	} else if err != nil {
		return nil, 0, false, fmt.Errorf("get skill cache entry: %w", err)
	}
	if storedHash != contentHash {
		return nil, 0, false, nil
	}

	var rec record
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return nil, 0, false, fmt.Errorf("decode skill cache entry: %w", err)
	}

	out := &skill.Skill{
		Name:         rec.Name,
		Description:  rec.Description,
		Version:      rec.Version,
		TrustLevel:   rec.TrustLevel,
		Capabilities: rec.Capabilities,
		Tags:         rec.Tags,
		InputSchema:  rec.InputSchema,
		OutputSchema: rec.OutputSchema,
		Body:         string(rec.Compiled),
	}
	return out, trust.Level(rec.ResolvedTrust), true, nil
}

// Put stores (or replaces) the cache entry for path.
func (c *Cache) Put(path, contentHash string, s *skill.Skill, level trust.Level) error {
	rec := record{
		Name:          s.Name,
		Description:   s.Description,
		Version:       s.Version,
		TrustLevel:    s.TrustLevel,
		Capabilities:  s.Capabilities,
		Tags:          s.Tags,
		InputSchema:   s.InputSchema,
		OutputSchema:  s.OutputSchema,
		Compiled:      []byte(s.Body),
		ResolvedTrust: int(level),
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode skill cache entry: %w", err)
	}
	_, err = c.db.Exec(
		`INSERT INTO skill_cache (path, content_hash, record, loaded_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   content_hash = excluded.content_hash,
		   record = excluded.record,
		   loaded_at = excluded.loaded_at`,
		filepath.Clean(path), contentHash, blob, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("put skill cache entry: %w", err)
	}
	return nil
}

// Invalidate removes the cache entry for one skill path.
func (c *Cache) Invalidate(path string) error {
	_, err := c.db.Exec("DELETE FROM skill_cache WHERE path = ?", filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("invalidate skill cache entry: %w", err)
	}
	return nil
}

// Reset clears every cache entry.
func (c *Cache) Reset() error {
	_, err := c.db.Exec("DELETE FROM skill_cache")
	if err != nil {
		return fmt.Errorf("reset skill cache: %w", err)
	}
	return nil
}

// Watch invalidates a skill's cache entry whenever its source file changes
// on disk, the way a development-mode hot reload would. It runs until
// Close closes the watcher; callers that want it
// stopped earlier should not call this method and instead poll ContentHash
// on each load.
func (c *Cache) Watch(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start skill cache watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch skill directory: %w", err)
	}
	c.watch = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := c.Invalidate(ev.Name); err != nil {
						c.log.Warn("skill cache invalidate on change failed", "path", ev.Name, "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("skill cache watcher error", "error", err)
			}
		}
	}()
	return nil
}
