// Package repo implements the repository gateway over the local git CLI.
//
// The structurer process is the single write path into the working tree;
// the orchestrator process reads through its own gateway instance for the
// file-content endpoint. Mutating operations hold a cross-process lock
// beside the repository, and the orchestrator flushes its read cache
// whenever the structurer publishes a new structure snapshot (the publish
// follows the commit, so a snapshot-triggered flush never exposes stale
// bytes for longer than one persistence round).
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/troika-dev/troika/internal/domain/structure"
	"github.com/troika-dev/troika/internal/git"
	"github.com/troika-dev/troika/internal/port/gateway"
)

// Gateway operates on one local repository root.
type Gateway struct {
	root     string
	pool     *git.Pool
	cache    *ristretto.Cache[string, []byte]
	cacheTTL time.Duration
	commits  atomic.Int64
}

// Options configures the gateway.
type Options struct {
	Root          string
	Pool          *git.Pool // optional; defaults to a shared pool locked beside Root
	MaxConcurrent int
	CacheSizeMB   int64
	CacheTTL      time.Duration
}

var _ gateway.Gateway = (*Gateway)(nil)

// New opens (or initializes) the repository at opts.Root.
func New(ctx context.Context, opts Options) (*Gateway, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("repo: resolve root: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("repo: create root: %w", err)
	}

	sizeMB := opts.CacheSizeMB
	if sizeMB < 1 {
		sizeMB = 16
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: sizeMB * 1024, // ~10x expected items at ~10KB each
		MaxCost:     sizeMB << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("repo: cache: %w", err)
	}

	pool := opts.Pool
	if pool == nil {
		limit := opts.MaxConcurrent
		if limit < 1 {
			limit = 4
		}
		pool = git.NewSharedPool(limit, root+".lock")
	}

	g := &Gateway{root: root, pool: pool, cache: cache, cacheTTL: opts.CacheTTL}
	if g.cacheTTL <= 0 {
		g.cacheTTL = 5 * time.Minute
	}
	if err := g.ensureRepo(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// ensureRepo initializes git in the root if it is not a repository yet, with
// a starter .gitignore the way a human would.
func (g *Gateway) ensureRepo(ctx context.Context) error {
	return g.pool.RunExclusive(ctx, func() error {
		if _, err := runGit(ctx, g.root, "rev-parse", "--git-dir"); err == nil {
			return nil
		}
		if _, err := runGit(ctx, g.root, "init"); err != nil {
			return fmt.Errorf("repo: init: %w", err)
		}
		for _, kv := range [][2]string{
			{"user.name", "troika"},
			{"user.email", "troika@localhost"},
		} {
			if _, err := runGit(ctx, g.root, "config", kv[0], kv[1]); err != nil {
				return fmt.Errorf("repo: config %s: %w", kv[0], err)
			}
		}
		gitignore := filepath.Join(g.root, ".gitignore")
		if _, err := os.Stat(gitignore); errors.Is(err, os.ErrNotExist) {
			content := ".DS_Store\nvenv/\n.venv/\n.idea/\n.vscode/\nlogs/\n*.log\n"
			if err := os.WriteFile(gitignore, []byte(content), 0o640); err != nil {
				return fmt.Errorf("repo: write .gitignore: %w", err)
			}
			if _, err := runGit(ctx, g.root, "add", ".gitignore"); err != nil {
				return fmt.Errorf("repo: stage .gitignore: %w", err)
			}
			if err := g.commitLocked(ctx, "Initialize repository"); err != nil {
				return err
			}
		}
		return nil
	})
}

// resolve maps a repo-relative path to an absolute one, rejecting escapes.
func (g *Gateway) resolve(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") {
		return "", fmt.Errorf("repo: unsafe path %q", rel)
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return "", fmt.Errorf("repo: unsafe path %q", rel)
	}
	return filepath.Join(g.root, filepath.FromSlash(clean)), nil
}

// Write stores content at the repo-relative path and stages it.
func (g *Gateway) Write(ctx context.Context, rel string, content []byte) error {
	full, err := g.resolve(rel)
	if err != nil {
		return err
	}
	return g.pool.RunExclusive(ctx, func() error {
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			return fmt.Errorf("repo: create parent for %s: %w", rel, err)
		}
		if err := os.WriteFile(full, content, 0o640); err != nil {
			return fmt.Errorf("repo: write %s: %w", rel, err)
		}
		if _, err := runGit(ctx, g.root, "add", "--", rel); err != nil {
			return fmt.Errorf("repo: stage %s: %w", rel, err)
		}
		g.cache.Del(rel)
		g.cache.Wait()
		return nil
	})
}

// Commit records staged changes. Nothing staged is a no-op.
func (g *Gateway) Commit(ctx context.Context, message string) error {
	return g.pool.RunExclusive(ctx, func() error {
		return g.commitLocked(ctx, message)
	})
}

// commitLocked must run inside a pool slot.
func (g *Gateway) commitLocked(ctx context.Context, message string) error {
	out, err := runGit(ctx, g.root, "commit", "-m", message)
	if err != nil {
		if strings.Contains(err.Error(), "nothing to commit") ||
			strings.Contains(out, "nothing to commit") {
			return nil
		}
		return fmt.Errorf("repo: commit: %w", err)
	}
	g.commits.Add(1)
	return nil
}

// Tree enumerates the working tree as a nested snapshot. Hidden entries are
// skipped except .gitignore, matching what the UI shows.
func (g *Gateway) Tree(_ context.Context) (structure.Tree, error) {
	tree := make(structure.Tree)
	err := filepath.WalkDir(g.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == g.root {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && name != ".gitignore" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(g.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			insertDir(tree, rel)
			return nil
		}
		tree.Insert(rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repo: enumerate tree: %w", err)
	}
	return tree, nil
}

// insertDir materializes an empty directory node.
func insertDir(t structure.Tree, rel string) {
	cur := t
	for _, seg := range strings.Split(rel, "/") {
		child, ok := cur[seg]
		if !ok || child == nil {
			child = make(structure.Tree)
			cur[seg] = child
		}
		cur = child
	}
}

// Read returns the file's bytes, or the binary sentinel when the content is
// not valid UTF-8 text.
func (g *Gateway) Read(_ context.Context, rel string) ([]byte, bool, error) {
	full, err := g.resolve(rel)
	if err != nil {
		return nil, false, err
	}
	if data, ok := g.cache.Get(rel); ok {
		return data, false, nil
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, false, fmt.Errorf("repo: stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, false, fmt.Errorf("repo: %s is a directory", rel)
	}
	data, err := os.ReadFile(full) //nolint:gosec // G304: resolve() confines the path
	if err != nil {
		return nil, false, fmt.Errorf("repo: read %s: %w", rel, err)
	}
	if !utf8.Valid(data) {
		return []byte(gateway.BinarySentinel(rel)), true, nil
	}
	g.cache.SetWithTTL(rel, data, int64(len(data)), g.cacheTTL)
	g.cache.Wait()
	return data, false, nil
}

// Reset deletes the working tree contents and re-initializes the repository.
func (g *Gateway) Reset(ctx context.Context) error {
	err := g.pool.RunExclusive(ctx, func() error {
		entries, err := os.ReadDir(g.root)
		if err != nil {
			return fmt.Errorf("repo: list root: %w", err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(g.root, e.Name())); err != nil {
				return fmt.Errorf("repo: remove %s: %w", e.Name(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	g.cache.Clear()
	return g.ensureRepo(ctx)
}

// InvalidateAll drops every cached file. The orchestrator calls this when a
// new structure snapshot arrives: the writer lives in another process, so
// its per-path invalidation cannot reach this cache.
func (g *Gateway) InvalidateAll() {
	g.cache.Clear()
}

// CommitCount reports commits made by this gateway since process start.
func (g *Gateway) CommitCount() int {
	return int(g.commits.Load())
}

// runGit executes a git command and returns its stdout.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		combined := strings.TrimSpace(stderr.String() + stdout.String())
		return stdout.String(), fmt.Errorf("%s: %w", combined, err)
	}
	return stdout.String(), nil
}
