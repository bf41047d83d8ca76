// Package symindex builds and queries a symbol-level index of a workspace.
//
// Functions and classes (Go types) are extracted with tree-sitter and
// persisted as JSON under the workspace so later runs and the API can query
// them without reparsing.
package symindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/greenloop/internal/config"
	"github.com/marcus/greenloop/internal/logging"
)

// FileName is the index file inside the index directory.
const FileName = "index.json"

// Symbol kinds.
const (
	KindFunction = "function"
	KindClass    = "class"
)

// Query scores.
const (
	nameScore = 10
	codeScore = 1
)

// Snippet is one indexed symbol with its source text.
type Snippet struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Code  string `json:"code"`
}

// Index is the symbol index of one workspace.
type Index struct {
	root   string
	cfg    config.IndexConfig
	logger *logging.Logger

	mu       sync.RWMutex
	snippets []Snippet
	loaded   bool
}

// New creates an index rooted at root. Nothing is read until Build, Load or
// Query is called.
func New(root string, cfg config.IndexConfig) *Index {
	if cfg.Dir == "" {
		cfg.Dir = config.DefaultIndexDir
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".py"}
	}
	return &Index{
		root:   root,
		cfg:    cfg,
		logger: logging.Component("symindex"),
	}
}

// Root returns the indexed workspace.
func (x *Index) Root() string { return x.root }

// Path returns the location of the persisted index file.
func (x *Index) Path() string {
	dir := x.cfg.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(x.root, dir)
	}
	return filepath.Join(dir, FileName)
}

// Len returns the number of symbols currently held in memory.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.snippets)
}

// Build parses every matching file under the root, replaces the in-memory
// symbols and persists them. Unparseable files are skipped. It returns the
// number of symbols indexed.
func (x *Index) Build(ctx context.Context) (int, error) {
	files, err := x.sourceFiles()
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", x.root, err)
	}

	results := make([][]Snippet, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			syms, err := x.parseFile(gctx, path)
			if err != nil {
				x.logger.DebugCtx("skipping file", map[string]any{"path": path, "error": err.Error()})
				return nil
			}
			results[i] = syms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var all []Snippet
	for _, syms := range results {
		all = append(all, syms...)
	}
	if all == nil {
		all = []Snippet{}
	}

	if err := x.save(all); err != nil {
		return 0, err
	}

	x.mu.Lock()
	x.snippets = all
	x.loaded = true
	x.mu.Unlock()

	x.logger.InfoCtx("index built", map[string]any{"root": x.root, "files": len(files), "symbols": len(all)})
	return len(all), nil
}

// Refresh rebuilds the index.
func (x *Index) Refresh(ctx context.Context) (int, error) {
	return x.Build(ctx)
}

// Load reads the persisted index. A missing file yields an empty index.
func (x *Index) Load() error {
	data, err := os.ReadFile(x.Path())
	var snippets []Snippet
	switch {
	case errors.Is(err, fs.ErrNotExist):
		snippets = []Snippet{}
	case err != nil:
		return fmt.Errorf("read index: %w", err)
	default:
		if err := json.Unmarshal(data, &snippets); err != nil {
			return fmt.Errorf("decode index: %w", err)
		}
	}

	x.mu.Lock()
	x.snippets = snippets
	x.loaded = true
	x.mu.Unlock()
	return nil
}

// Query returns up to k symbols matching text, best first. A symbol scores
// 10 when its name contains the query and 1 when its code does
// (case-insensitive); ties keep index order. An empty query returns nothing.
func (x *Index) Query(ctx context.Context, text string, k int) ([]Snippet, error) {
	q := strings.ToLower(strings.TrimSpace(text))
	if q == "" || k <= 0 {
		return []Snippet{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.RLock()
	loaded := x.loaded
	x.mu.RUnlock()
	if !loaded {
		if err := x.Load(); err != nil {
			return nil, err
		}
	}

	type scored struct {
		score int
		snip  Snippet
	}

	x.mu.RLock()
	var hits []scored
	for _, s := range x.snippets {
		score := 0
		if strings.Contains(strings.ToLower(s.Name), q) {
			score += nameScore
		}
		if strings.Contains(strings.ToLower(s.Code), q) {
			score += codeScore
		}
		if score > 0 {
			hits = append(hits, scored{score, s})
		}
	}
	x.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Snippet, len(hits))
	for i, h := range hits {
		out[i] = h.snip
	}
	return out, nil
}

func (x *Index) sourceFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(x.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != x.root && x.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if x.wantFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (x *Index) skipDir(name string) bool {
	return slices.Contains(x.cfg.SkipDirs, name) || name == filepath.Base(x.cfg.Dir)
}

func (x *Index) wantFile(path string) bool {
	return slices.Contains(x.cfg.Extensions, filepath.Ext(path))
}

func (x *Index) parseFile(ctx context.Context, path string) ([]Snippet, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(x.root, path)
	if err != nil {
		rel = path
	}
	return extract(ctx, filepath.ToSlash(rel), src)
}

func (x *Index) save(snippets []Snippet) error {
	path := x.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	data, err := json.Marshal(snippets)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}
