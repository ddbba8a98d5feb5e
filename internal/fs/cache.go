package fs

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/mcpserver/internal/logger"
)

const shardCount = 32

// FileCache memoizes file content keyed by resolved path. An entry is valid
// while the file's modification time and size still match what was cached;
// every read re-stats the file to check that.
type FileCache struct {
	storage Storage
	shards  [shardCount]cacheShard
	writes  pathLocks

	watcher   *fsnotify.Watcher
	watchMu   sync.Mutex
	watched   map[string]struct{}
	stopWatch chan struct{}
	closeOnce sync.Once
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// cacheEntry is never mutated after it is stored; updates swap the pointer.
type cacheEntry struct {
	content []byte
	modTime time.Time
	size    int64
}

// NewFileCache creates a cache over storage. With watch set, an fsnotify
// watcher drops entries whose files are removed or renamed; staleness is
// still detected by stat either way.
func NewFileCache(storage Storage, watch bool) *FileCache {
	c := &FileCache{
		storage:   storage,
		writes:    pathLocks{locks: make(map[string]*pathLock)},
		watched:   make(map[string]struct{}),
		stopWatch: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*cacheEntry)
	}

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("FileCache: failed to create file watcher: %v", err)
		} else {
			c.watcher = watcher
			go c.watchFiles()
		}
	}

	return c
}

// Close stops the watcher, if any.
func (c *FileCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopWatch)
		if c.watcher != nil {
			err = c.watcher.Close()
		}
	})
	return err
}

// ReadCached returns the content of path, from the cache when the file is
// unchanged since it was cached, otherwise from storage. The returned slice
// is shared with the cache and must not be modified.
func (c *FileCache) ReadCached(ctx context.Context, path string) ([]byte, error) {
	info, err := c.storage.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if content, ok := c.lookup(path, info); ok {
		logger.Debug("FileCache: hit %s", path)
		return content, nil
	}

	// Misses refill under the path's write lock so a concurrent write
	// cannot be overwritten by the content read here.
	unlock := c.writes.lock(path)
	defer unlock()

	info, err = c.storage.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if content, ok := c.lookup(path, info); ok {
		return content, nil
	}

	data, err := c.storage.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}

	c.store(path, &cacheEntry{content: data, modTime: info.ModTime, size: info.Size})
	c.watchDir(path)
	logger.Debug("FileCache: miss %s (%d bytes)", path, len(data))
	return data, nil
}

func (c *FileCache) lookup(path string, info *FileInfo) ([]byte, bool) {
	shard := c.shardFor(path)
	shard.mu.RLock()
	entry := shard.entries[path]
	shard.mu.RUnlock()

	if entry != nil && entry.modTime.Equal(info.ModTime) && entry.size == info.Size {
		return entry.content, true
	}
	return nil, false
}

// WriteAndCache writes content to storage and, only if the write succeeds,
// caches it with the modification time storage reports afterwards.
func (c *FileCache) WriteAndCache(ctx context.Context, path string, content []byte) error {
	unlock := c.writes.lock(path)
	defer unlock()

	data := append([]byte(nil), content...)
	if err := c.storage.WriteFile(ctx, path, data); err != nil {
		return err
	}

	info, err := c.storage.Stat(ctx, path)
	if err != nil {
		// The write landed but its timestamp is unknown; drop the entry so
		// the next read goes to storage.
		c.Invalidate(path)
		logger.Warn("FileCache: stat after write failed for %s: %v", path, err)
		return nil
	}

	c.store(path, &cacheEntry{content: data, modTime: info.ModTime, size: info.Size})
	c.watchDir(path)
	return nil
}

// Invalidate removes path from the cache.
func (c *FileCache) Invalidate(path string) {
	shard := c.shardFor(path)
	shard.mu.Lock()
	delete(shard.entries, path)
	shard.mu.Unlock()
}

// Clear removes all entries from the cache.
func (c *FileCache) Clear() {
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		shard.entries = make(map[string]*cacheEntry)
		shard.mu.Unlock()
	}
}

// Len returns the number of cached files.
func (c *FileCache) Len() int {
	n := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.RLock()
		n += len(shard.entries)
		shard.mu.RUnlock()
	}
	return n
}

// store installs entry for path. Callers hold the path's write lock.
func (c *FileCache) store(path string, entry *cacheEntry) {
	shard := c.shardFor(path)
	shard.mu.Lock()
	shard.entries[path] = entry
	shard.mu.Unlock()
}

func (c *FileCache) shardFor(path string) *cacheShard {
	return &c.shards[xxhash.Sum64String(path)%shardCount]
}

func (c *FileCache) watchDir(path string) {
	if c.watcher == nil {
		return
	}
	dir := filepath.Dir(path)

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if _, ok := c.watched[dir]; ok {
		return
	}
	if err := c.watcher.Add(dir); err != nil {
		logger.Warn("FileCache: failed to add watcher for %s: %v", dir, err)
		return
	}
	c.watched[dir] = struct{}{}
}

// watchFiles evicts entries for files that disappear. Writes are not acted
// on: the stat check already catches them and our own writes would
// otherwise evict entries that are still valid.
func (c *FileCache) watchFiles() {
	for {
		select {
		case <-c.stopWatch:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				c.Invalidate(event.Name)
				c.watchMu.Lock()
				delete(c.watched, event.Name)
				c.watchMu.Unlock()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("FileCache: watcher error: %v", err)
		}
	}
}

// pathLocks hands out one mutex per path, freeing it when unused.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func (p *pathLocks) lock(path string) func() {
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, path)
		}
		p.mu.Unlock()
	}
}
