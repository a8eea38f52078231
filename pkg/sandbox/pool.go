// Package sandbox executes user-defined JavaScript functions in child
// Node processes. Installed dependency trees are cached per dependency
// set so repeated calls with the same requirements skip npm install.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// entryTTL is how long an unused dependency tree stays cached.
	entryTTL = 5 * time.Minute

	// maxUseCount retires a tree after this many executions to bound
	// filesystem state drift.
	maxUseCount = 50

	installTimeout = 2 * time.Minute
)

// DepHash derives the cache key for a dependency set. The hash is
// independent of map iteration order.
func DepHash(deps map[string]string) string {
	if len(deps) == 0 {
		return "no-deps"
	}
	pairs := make([]string, 0, len(deps))
	for name, version := range deps {
		pairs = append(pairs, name+"@"+version)
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, ",")))
	return hex.EncodeToString(sum[:])[:16]
}

// entry is one cached dependency tree.
type entry struct {
	hash     string
	dir      string
	lastUsed time.Time
	useCount int

	// active counts executions currently running in this tree. A
	// retired entry is destroyed once the last one releases.
	active  int
	retired bool

	// creating guards first-time install so concurrent callers with
	// the same dependency set share one npm run.
	creating sync.Mutex
	ready    bool
	err      error
}

// Pool caches installed dependency trees under a base directory.
type Pool struct {
	baseDir string
	npmPath string

	mu      sync.Mutex
	entries map[string]*entry
	// gens numbers successive trees per hash so a replacement never
	// reuses the directory of a retired tree still in use.
	gens map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewPool builds a pool rooted at baseDir and starts the eviction
// sweep. baseDir is created if missing.
func NewPool(baseDir string) (*Pool, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "inkeep-sandbox")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	p := &Pool{
		baseDir: baseDir,
		npmPath: "npm",
		entries: make(map[string]*entry),
		gens:    make(map[string]int),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go p.sweepLoop()
	return p, nil
}

// Close stops the eviction sweep and removes all cached trees.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()
	for _, e := range entries {
		p.destroy(e)
	}
}

// Acquire returns the directory holding an installed node_modules for
// the given dependency set, installing it on first use. A cache hit is
// honored only while the tree is fresh: idle past the TTL or at the
// use ceiling it is retired inline and a new tree installed. The
// returned release function must be called after the execution
// finishes.
func (p *Pool) Acquire(ctx context.Context, deps map[string]string) (dir string, release func(), err error) {
	hash := DepHash(deps)

	p.mu.Lock()
	var victim *entry
	e, ok := p.entries[hash]
	if ok && e.ready && (e.useCount >= maxUseCount || p.now().Sub(e.lastUsed) > entryTTL) {
		delete(p.entries, hash)
		e.retired = true
		if e.active == 0 {
			victim = e
		}
		ok = false
	}
	if !ok {
		gen := p.gens[hash]
		p.gens[hash] = gen + 1
		entryDir := filepath.Join(p.baseDir, hash)
		if gen > 0 {
			entryDir = filepath.Join(p.baseDir, fmt.Sprintf("%s-%d", hash, gen))
		}
		e = &entry{hash: hash, dir: entryDir}
		p.entries[hash] = e
	}
	p.mu.Unlock()

	if victim != nil {
		p.destroy(victim)
	}

	e.creating.Lock()
	if !e.ready && e.err == nil {
		if err := p.install(ctx, e, deps); err != nil {
			e.err = err
			e.creating.Unlock()
			// A failed install must not poison the cache slot.
			p.mu.Lock()
			delete(p.entries, hash)
			p.mu.Unlock()
			p.destroy(e)
			return "", nil, err
		}
		e.ready = true
	}
	installErr := e.err
	e.creating.Unlock()
	if installErr != nil {
		return "", nil, installErr
	}

	p.mu.Lock()
	e.lastUsed = p.now()
	e.useCount++
	e.active++
	p.mu.Unlock()

	return e.dir, func() {
		var victim *entry
		p.mu.Lock()
		e.lastUsed = p.now()
		e.active--
		if e.retired && e.active == 0 {
			victim = e
		}
		p.mu.Unlock()
		if victim != nil {
			p.destroy(victim)
		}
	}, nil
}

// install materializes package.json and runs npm install in the entry
// directory.
func (p *Pool) install(ctx context.Context, e *entry, deps map[string]string) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("create sandbox entry: %w", err)
	}
	if len(deps) == 0 {
		return nil
	}

	pairs := make([]string, 0, len(deps))
	for name, version := range deps {
		pairs = append(pairs, fmt.Sprintf("%q: %q", name, version))
	}
	sort.Strings(pairs)
	pkg := fmt.Sprintf(`{"name":"sandbox-%s","private":true,"dependencies":{%s}}`,
		e.hash, strings.Join(pairs, ","))
	if err := os.WriteFile(filepath.Join(e.dir, "package.json"), []byte(pkg), 0o644); err != nil {
		return fmt.Errorf("write package.json: %w", err)
	}

	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	cmd := exec.CommandContext(installCtx, p.npmPath, "install",
		"--no-audit", "--no-fund", "--loglevel=error")
	cmd.Dir = e.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("npm install failed: %w: %s", err, truncateForLog(out))
	}
	slog.Debug("sandbox dependencies installed", "depHash", e.hash, "count", len(deps))
	return nil
}

// EntryCount reports the number of cached dependency trees.
func (p *Pool) EntryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Sweep evicts trees idle beyond the TTL or past the use ceiling.
// Trees still executing are retired but only removed from disk once
// their last release runs. Exported for tests; the background loop
// calls it every minute.
func (p *Pool) Sweep() {
	cutoff := p.now().Add(-entryTTL)
	p.mu.Lock()
	var victims []*entry
	for hash, e := range p.entries {
		if !e.ready {
			continue
		}
		if e.lastUsed.Before(cutoff) || e.useCount >= maxUseCount {
			delete(p.entries, hash)
			e.retired = true
			if e.active == 0 {
				victims = append(victims, e)
			}
		}
	}
	p.mu.Unlock()
	for _, e := range victims {
		p.destroy(e)
	}
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) destroy(e *entry) {
	if err := os.RemoveAll(e.dir); err != nil {
		slog.Warn("failed to remove sandbox entry", "depHash", e.hash, "error", err)
	}
}

func truncateForLog(out []byte) string {
	const max = 512
	if len(out) > max {
		out = out[:max]
	}
	return strings.TrimSpace(string(out))
}
