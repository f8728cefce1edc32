// Package thumbcache is the disk-backed, size-bounded thumbnail cache.
// Entries live as PNG files in one directory, named by the SHA-256 of the
// farm/filename pair plus the requested dimensions, the same scheme the
// dataset exporters use. An in-memory manifest tracks sizes and access
// order; misses for the same key are collapsed into one render.
package thumbcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v6"
	"github.com/go-git/go-billy/v6/util"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/lewtec/harvestmark/internal/domain"
)

// ResolveFunc maps a farm image to its original path in the dataset tree.
type ResolveFunc func(farmID, filename string) (string, error)

// RenderFunc produces resized PNG bytes from a source path.
type RenderFunc func(ctx context.Context, path string, width, height int) ([]byte, error)

// Options configures a Cache.
type Options struct {
	// Dir is the cache directory, created if missing.
	Dir string
	// Capacity is the total size budget in bytes.
	Capacity int64
	// RenderTimeout bounds a single render attempt.
	RenderTimeout time.Duration
	// RetryBackoff is the pause before the single retry of a failed
	// render, covering transient I/O hiccups.
	RetryBackoff time.Duration
}

type entry struct {
	name string
	size int64
	elem *list.Element
}

// Cache is safe for concurrent use. Lookups for distinct keys proceed in
// parallel; same-key misses single-flight.
type Cache struct {
	fsys    billy.Filesystem
	opts    Options
	resolve ResolveFunc
	render  RenderFunc

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently used
	total   int64

	flight singleflight.Group
}

var entryNamePattern = regexp.MustCompile(`^[0-9a-f]{64}_\d+x\d+\.png$`)

// New opens the cache directory and reconciles the manifest against what is
// actually on disk: sizes come from the files themselves and modification
// times seed the access order, so partial writes or manual deletions from a
// previous run heal on startup.
func New(fsys billy.Filesystem, opts Options, resolve ResolveFunc, render RenderFunc) (*Cache, error) {
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 10 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if err := fsys.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("while creating cache directory %s: %w", opts.Dir, err)
	}

	c := &Cache{
		fsys:    fsys,
		opts:    opts,
		resolve: resolve,
		render:  render,
		entries: make(map[string]*entry),
		order:   list.New(),
	}

	dirents, err := fsys.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("while scanning cache directory %s: %w", opts.Dir, err)
	}
	infos := make([]fs.FileInfo, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("while scanning cache directory %s: %w", opts.Dir, err)
		}
		infos = append(infos, info)
	}
	// Oldest first; ties broken by name for determinism.
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].ModTime().Equal(infos[j].ModTime()) {
			return infos[i].ModTime().Before(infos[j].ModTime())
		}
		return infos[i].Name() < infos[j].Name()
	})
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if !entryNamePattern.MatchString(info.Name()) {
			// Leftover temp file from an interrupted write.
			_ = fsys.Remove(fsys.Join(opts.Dir, info.Name()))
			continue
		}
		e := &entry{name: info.Name(), size: info.Size()}
		e.elem = c.order.PushFront(e)
		c.entries[e.name] = e
		c.total += e.size
	}
	c.evictLocked()

	log.Info().
		Int("entries", len(c.entries)).
		Int64("bytes", c.total).
		Str("dir", opts.Dir).
		Msg("thumbcache: reconciled")
	return c, nil
}

// Get returns the rendered thumbnail for (farmID, filename, width, height),
// regenerating it on miss. Concurrent misses for the same key share one
// render.
func (c *Cache) Get(ctx context.Context, farmID, filename string, width, height int) ([]byte, error) {
	name := entryName(farmID, filename, width, height)

	if data, ok := c.lookup(name); ok {
		return data, nil
	}

	v, err, _ := c.flight.Do(name, func() (interface{}, error) {
		// A concurrent flight may have inserted the entry already.
		if data, ok := c.lookup(name); ok {
			return data, nil
		}

		path, err := c.resolve(farmID, filename)
		if err != nil {
			return nil, err
		}
		data, err := c.renderWithRetry(ctx, path, width, height)
		if err != nil {
			return nil, err
		}
		if err := c.store(name, data); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Size returns the current total of cached bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(name string) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.entries[name]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	c.mu.Unlock()

	data, err := util.ReadFile(c.fsys, c.fsys.Join(c.opts.Dir, name))
	if err != nil {
		// File vanished underneath the manifest; drop the entry and let
		// the caller regenerate.
		log.Warn().Err(err).Str("entry", name).Msg("thumbcache: entry unreadable, dropping")
		c.mu.Lock()
		if e, ok := c.entries[name]; ok {
			c.removeLocked(e)
		}
		c.mu.Unlock()
		return nil, false
	}
	return data, true
}

func (c *Cache) renderWithRetry(ctx context.Context, path string, width, height int) ([]byte, error) {
	attempt := func() ([]byte, error) {
		rctx, cancel := context.WithTimeout(ctx, c.opts.RenderTimeout)
		defer cancel()
		return c.render(rctx, path, width, height)
	}

	data, err := attempt()
	if err == nil {
		return data, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: render of %s timed out: %v", domain.ErrRenderFailure, path, err)
	}

	// One retry with backoff covers transient disk contention.
	log.Warn().Err(err).Str("path", path).Msg("thumbcache: render failed, retrying once")
	time.Sleep(c.opts.RetryBackoff)
	data, err = attempt()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// store writes the entry to disk (temp file + rename, so readers never see
// a partial write) and inserts it into the manifest, evicting while over
// budget. Insertion and eviction happen under one lock, keeping the size
// invariant observable at every point.
func (c *Cache) store(name string, data []byte) error {
	tmp := c.fsys.Join(c.opts.Dir, name+".tmp")
	final := c.fsys.Join(c.opts.Dir, name)
	if err := util.WriteFile(c.fsys, tmp, data, 0644); err != nil {
		return fmt.Errorf("while writing cache entry %s: %w", name, err)
	}
	if err := c.fsys.Rename(tmp, final); err != nil {
		_ = c.fsys.Remove(tmp)
		return fmt.Errorf("while committing cache entry %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return nil
	}
	e := &entry{name: name, size: int64(len(data))}
	e.elem = c.order.PushFront(e)
	c.entries[name] = e
	c.total += e.size
	c.evictLocked()
	return nil
}

func (c *Cache) evictLocked() {
	for c.total > c.opts.Capacity && c.order.Len() > 1 {
		oldest := c.order.Back().Value.(*entry)
		log.Debug().Str("entry", oldest.name).Int64("size", oldest.size).Msg("thumbcache: evicting")
		c.removeLocked(oldest)
	}
	// A single entry larger than the whole budget is served but not kept.
	if c.total > c.opts.Capacity && c.order.Len() == 1 {
		c.removeLocked(c.order.Back().Value.(*entry))
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.name)
	c.total -= e.size
	_ = c.fsys.Remove(c.fsys.Join(c.opts.Dir, e.name))
}

func entryName(farmID, filename string, width, height int) string {
	sum := sha256.Sum256([]byte(farmID + "/" + filename))
	return fmt.Sprintf("%x_%dx%d.png", sum, width, height)
}
