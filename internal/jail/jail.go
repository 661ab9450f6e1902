// Package jail implements the path-jail filesystem capability (spec §4.2):
// every operation is canonicalized, checked against the security catalog,
// and confined to a jail root before it touches disk. Grounded on the
// admission-then-act shape of the teacher's OS-level sandbox mount logic,
// reimplemented here as pure logical path arithmetic rather than namespace
// mounts — the capability never needs root and works identically on every
// host OS.
package jail

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/behrlich/capsule/internal/catalog"
	"github.com/behrlich/capsule/internal/errs"
	"github.com/behrlich/capsule/internal/events"
)

const (
	defaultReadCap  = 10 << 20 // 10 MiB
	defaultWriteCap = 1 << 20  // 1 MiB
)

// Config constructs a Capability. Root is required; everything else has a
// sane default matching the teacher's permissive-but-logged posture.
type Config struct {
	Root string

	// AllowPatterns are glob patterns (matched against the root-relative
	// path) that gate admission; at least one must match. Defaults to
	// "everything under root" ("**").
	AllowPatterns []string
	// BlockPatterns supplement the catalog's blocked-file table.
	BlockPatterns []string

	AllowWrite  bool
	AllowDelete bool
	AllowCreate bool

	ReadCap  int64
	WriteCap int64

	Sink events.Sink
}

// Capability is the admitted, ready-to-use filesystem capability for one
// execution. It is safe for concurrent use — every call opens and closes
// its own handle, per the resource policy.
type Capability struct {
	root          string
	allowPatterns []string
	blockPatterns []*patternMatcher
	allowWrite    bool
	allowDelete   bool
	allowCreate   bool
	readCap       int64
	writeCap      int64
	sink          events.Sink
}

type patternMatcher struct{ raw string }

func (p *patternMatcher) match(s string) bool {
	ok, _ := filepath.Match(p.raw, s)
	return ok
}

// New resolves the jail root once and returns a ready Capability.
func New(cfg Config) (*Capability, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("jail: root is required")
	}
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("jail: resolve root: %w", err)
	}
	absRoot = filepath.Clean(absRoot)

	allow := cfg.AllowPatterns
	if len(allow) == 0 {
		allow = []string{"**"}
	}

	blocks := make([]*patternMatcher, 0, len(cfg.BlockPatterns))
	for _, b := range cfg.BlockPatterns {
		blocks = append(blocks, &patternMatcher{raw: b})
	}

	readCap := cfg.ReadCap
	if readCap == 0 {
		readCap = defaultReadCap
	}
	writeCap := cfg.WriteCap
	if writeCap == 0 {
		writeCap = defaultWriteCap
	}

	sink := cfg.Sink
	if sink == nil {
		sink = events.Null
	}

	return &Capability{
		root:          absRoot,
		allowPatterns: allow,
		blockPatterns: blocks,
		allowWrite:    cfg.AllowWrite,
		allowDelete:   cfg.AllowDelete,
		allowCreate:   cfg.AllowCreate,
		readCap:       readCap,
		writeCap:      writeCap,
		sink:          sink,
	}, nil
}

// Root returns the jail's absolute root directory.
func (c *Capability) Root() string {
	return c.root
}

// admitted is the result of running a path through the admission algorithm:
// the absolute path it resolves to, plus its root-relative offset.
type admitted struct {
	abs string
	rel string
}

// admit runs spec §4.2's seven-step algorithm. op is used only for hook
// reporting ("read", "write", ...).
func (c *Capability) admit(op, input string) (admitted, *errs.Error) {
	// 1. Reject explicit home-directory syntax.
	if strings.HasPrefix(input, "~") {
		return c.deny(op, input, "Home directory reference")
	}

	// 2. Dangerous-path table.
	if m := catalog.IsBlocked(input); m.Blocked && m.Category == "" {
		// Category "" here means it matched the dangerous-path half of the
		// table (traversal, absolute system path, encoded escape, ...).
		return c.deny(op, input, "Dangerous path pattern: "+m.Description)
	}

	// 3. Resolve relative to root; canonicalize lexically.
	var joined string
	if filepath.IsAbs(input) {
		joined = filepath.Clean(input)
	} else {
		joined = filepath.Clean(filepath.Join(c.root, input))
	}

	// 4. Recompute root-relative offset; reject escape.
	rel, err := filepath.Rel(c.root, joined)
	if err != nil {
		return c.deny(op, input, "Cannot compute jail-relative path")
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return c.deny(op, input, "Jail escape")
	}
	if rel == "." {
		rel = ""
	}

	// 5. Blocked-file table: root-relative path, absolute path, each
	// component, plus any capability-specific extra block patterns.
	if m := catalog.IsBlocked(rel); m.Blocked {
		return c.deny(op, input, "Blocked file pattern: "+m.Description)
	}
	if m := catalog.IsBlocked(joined); m.Blocked {
		return c.deny(op, input, "Blocked file pattern: "+m.Description)
	}
	for _, bp := range c.blockPatterns {
		if bp.match(rel) {
			return c.deny(op, input, "Operator block pattern")
		}
	}

	// 6. Allow-pattern set: at least one must match.
	if !c.anyAllow(rel) {
		return c.deny(op, input, "Not covered by allow patterns")
	}

	c.sink.Emit(events.Record{Kind: events.Access, Domain: "fs", Operation: op, Target: rel})
	return admitted{abs: joined, rel: rel}, nil
}

func (c *Capability) anyAllow(rel string) bool {
	for _, pattern := range c.allowPatterns {
		if pattern == "**" {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		// Support "**" as a directory-spanning wildcard beyond what
		// filepath.Match natively offers (it doesn't cross path
		// separators).
		if strings.Contains(pattern, "**") {
			prefix := strings.SplitN(pattern, "**", 2)[0]
			if strings.HasPrefix(rel, prefix) {
				return true
			}
		}
	}
	return false
}

func (c *Capability) deny(op, input, reason string) (admitted, *errs.Error) {
	c.sink.Emit(events.Record{Kind: events.Blocked, Domain: "fs", Operation: op, Target: input, Detail: reason})
	return admitted{}, errs.FS(reason)
}

// Read returns the UTF-8 contents of path. Directories and oversize files
// are refused.
func (c *Capability) Read(path string) (string, error) {
	a, rerr := c.admit("read", path)
	if rerr != nil {
		return "", rerr
	}
	info, err := os.Stat(a.abs)
	if err != nil {
		return "", c.hostDeny("read", path, err)
	}
	if info.IsDir() {
		return "", c.denyErr("read", path, "Target is a directory")
	}
	if info.Size() > c.readCap {
		return "", c.denyErr("read", path, "File exceeds read size cap")
	}
	data, err := os.ReadFile(a.abs)
	if err != nil {
		return "", c.hostDeny("read", path, err)
	}
	return string(data), nil
}

// Write writes content to path. A path that does not exist yet is refused
// unless AllowCreate is set; when it is, missing parent directories are
// created.
func (c *Capability) Write(path, content string) error {
	if !c.allowWrite {
		return c.denyErr("write", path, "Writes not permitted at this trust level")
	}
	a, rerr := c.admit("write", path)
	if rerr != nil {
		return rerr
	}
	if int64(len(content)) > c.writeCap {
		return c.denyErr("write", path, "Content exceeds write size cap")
	}
	if _, err := os.Stat(a.abs); os.IsNotExist(err) {
		if !c.allowCreate {
			return c.denyErr("write", path, "Creation not permitted at this trust level")
		}
		if err := os.MkdirAll(filepath.Dir(a.abs), 0o755); err != nil {
			return c.hostDeny("write", path, err)
		}
	}
	if err := os.WriteFile(a.abs, []byte(content), 0o644); err != nil {
		return c.hostDeny("write", path, err)
	}
	return nil
}

// Exists answers false rather than refusing when the path would be denied,
// so the presence of a blocked path is never disclosed.
func (c *Capability) Exists(path string) bool {
	a, rerr := c.admit("exists", path)
	if rerr != nil {
		return false
	}
	_, err := os.Stat(a.abs)
	return err == nil
}

// Entry describes one directory listing result.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// List returns only entries that themselves pass the blocked-pattern test —
// listing must never disclose the presence of a hidden secret.
func (c *Capability) List(dir string) ([]Entry, error) {
	a, rerr := c.admit("list", dir)
	if rerr != nil {
		return nil, rerr
	}
	dirEntries, err := os.ReadDir(a.abs)
	if err != nil {
		return nil, c.hostDeny("list", dir, err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		childRel := filepath.Join(a.rel, de.Name())
		if m := catalog.IsBlocked(childRel); m.Blocked {
			continue
		}
		info, err := de.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		out = append(out, Entry{Name: de.Name(), IsDir: de.IsDir(), Size: size})
	}
	return out, nil
}

// Stat returns metadata for path without reading its contents.
func (c *Capability) Stat(path string) (fs.FileInfo, error) {
	a, rerr := c.admit("stat", path)
	if rerr != nil {
		return nil, rerr
	}
	info, err := os.Stat(a.abs)
	if err != nil {
		return nil, c.hostDeny("stat", path, err)
	}
	return info, nil
}

// Delete removes a regular file. Directories and anything else are refused.
func (c *Capability) Delete(path string) error {
	if !c.allowDelete {
		return c.denyErr("delete", path, "Deletes not permitted at this trust level")
	}
	a, rerr := c.admit("delete", path)
	if rerr != nil {
		return rerr
	}
	info, err := os.Stat(a.abs)
	if err != nil {
		return c.hostDeny("delete", path, err)
	}
	if !info.Mode().IsRegular() {
		return c.denyErr("delete", path, "Delete target is not a regular file")
	}
	if err := os.Remove(a.abs); err != nil {
		return c.hostDeny("delete", path, err)
	}
	return nil
}

// Mkdir creates dir (and parents) under the jail.
func (c *Capability) Mkdir(dir string) error {
	if !c.allowCreate {
		return c.denyErr("mkdir", dir, "Creation not permitted at this trust level")
	}
	a, rerr := c.admit("mkdir", dir)
	if rerr != nil {
		return rerr
	}
	if err := os.MkdirAll(a.abs, 0o755); err != nil {
		return c.hostDeny("mkdir", dir, err)
	}
	return nil
}

func (c *Capability) denyErr(op, path, reason string) error {
	c.sink.Emit(events.Record{Kind: events.Blocked, Domain: "fs", Operation: op, Target: path, Detail: reason})
	return errs.FS(reason)
}

// hostDeny wraps an OS-level error (which might itself leak path
// information in its message) behind the same opaque refusal.
func (c *Capability) hostDeny(op, path string, err error) error {
	return c.denyErr(op, path, "Host error: "+err.Error())
}
