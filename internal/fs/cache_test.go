package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCachedHitsCacheForUnchangedFile(t *testing.T) {
	ctx := context.Background()
	storage := NewMockStorage()
	storage.Put("/root/a.txt", []byte("hello"))
	cache := NewFileCache(storage, false)
	defer cache.Close()

	first, err := cache.ReadCached(ctx, "/root/a.txt")
	require.NoError(t, err)
	second, err := cache.ReadCached(ctx, "/root/a.txt")
	require.NoError(t, err)

	assert.Equal(t, "hello", string(first))
	assert.Equal(t, first, second)
	assert.Equal(t, 1, storage.Reads("/root/a.txt"))
	assert.Equal(t, 1, cache.Len())
}

func TestWriteThenReadIsServedFromCache(t *testing.T) {
	ctx := context.Background()
	storage := NewMockStorage()
	cache := NewFileCache(storage, false)
	defer cache.Close()

	require.NoError(t, cache.WriteAndCache(ctx, "/root/b.txt", []byte("written")))

	// Any storage read from here on would fail.
	storage.ReadErr = errors.New("storage read not expected")
	got, err := cache.ReadCached(ctx, "/root/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "written", string(got))
	assert.Equal(t, 0, storage.Reads("/root/b.txt"))
}

func TestWriteCopiesCallerBuffer(t *testing.T) {
	ctx := context.Background()
	storage := NewMockStorage()
	cache := NewFileCache(storage, false)
	defer cache.Close()

	buf := []byte("abc")
	require.NoError(t, cache.WriteAndCache(ctx, "/root/c.txt", buf))
	buf[0] = 'X'

	got, err := cache.ReadCached(ctx, "/root/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestExternalModificationIsReRead(t *testing.T) {
	ctx := context.Background()
	storage := NewMockStorage()
	storage.Put("/root/a.txt", []byte("v1"))
	cache := NewFileCache(storage, false)
	defer cache.Close()

	got, err := cache.ReadCached(ctx, "/root/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	storage.Put("/root/a.txt", []byte("v2"))

	got, err = cache.ReadCached(ctx, "/root/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
	assert.Equal(t, 2, storage.Reads("/root/a.txt"))

	// The refreshed entry is cached again.
	_, err = cache.ReadCached(ctx, "/root/a.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, storage.Reads("/root/a.txt"))
}

func TestFailedWriteLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	storage := NewMockStorage()
	storage.Put("/root/a.txt", []byte("original"))
	cache := NewFileCache(storage, false)
	defer cache.Close()

	_, err := cache.ReadCached(ctx, "/root/a.txt")
	require.NoError(t, err)

	storage.WriteErr = errors.New("disk full")
	err = cache.WriteAndCache(ctx, "/root/a.txt", []byte("new"))
	require.EqualError(t, err, "disk full")

	got, err := cache.ReadCached(ctx, "/root/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
	assert.Equal(t, 1, storage.Reads("/root/a.txt"))
}

func TestReadMissingFile(t *testing.T) {
	cache := NewFileCache(NewMockStorage(), false)
	defer cache.Close()

	_, err := cache.ReadCached(context.Background(), "/root/missing.txt")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 0, cache.Len())
}

func TestInvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	storage := NewMockStorage()
	storage.Put("/root/a.txt", []byte("a"))
	storage.Put("/root/b.txt", []byte("b"))
	cache := NewFileCache(storage, false)
	defer cache.Close()

	_, _ = cache.ReadCached(ctx, "/root/a.txt")
	_, _ = cache.ReadCached(ctx, "/root/b.txt")
	require.Equal(t, 2, cache.Len())

	cache.Invalidate("/root/a.txt")
	assert.Equal(t, 1, cache.Len())
	_, _ = cache.ReadCached(ctx, "/root/a.txt")
	assert.Equal(t, 2, storage.Reads("/root/a.txt"))

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}

func TestRestoreWithOlderModTimeRefreshesCache(t *testing.T) {
	ctx := context.Background()
	storage := NewMockStorage()
	cache := NewFileCache(storage, false)
	defer cache.Close()

	require.NoError(t, cache.WriteAndCache(ctx, "/root/a.txt", []byte("new")))

	// Restored from a backup with its original timestamp.
	storage.Put("/root/a.txt", []byte("restored"))
	storage.SetModTime("/root/a.txt", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		got, err := cache.ReadCached(ctx, "/root/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "restored", string(got))
	}
	assert.Equal(t, 1, storage.Reads("/root/a.txt"))
}

// gatedStorage blocks the first ReadFile until released.
type gatedStorage struct {
	*MockStorage
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStorage) ReadFile(ctx context.Context, path string) ([]byte, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.MockStorage.ReadFile(ctx, path)
}

func TestWriteDuringReadMissWins(t *testing.T) {
	ctx := context.Background()
	storage := &gatedStorage{
		MockStorage: NewMockStorage(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	storage.Put("/root/a.txt", []byte("old"))
	cache := NewFileCache(storage, false)
	defer cache.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_, _ = cache.ReadCached(ctx, "/root/a.txt")
	}()
	<-storage.entered

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- cache.WriteAndCache(ctx, "/root/a.txt", []byte("fresh"))
	}()

	close(storage.release)
	<-readDone
	require.NoError(t, <-writeDone)

	got, err := cache.ReadCached(ctx, "/root/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
	assert.Equal(t, 1, storage.Reads("/root/a.txt"))
}

func TestConcurrentAccessKeepsTuplesConsistent(t *testing.T) {
	ctx := context.Background()
	storage := NewMockStorage()
	cache := NewFileCache(storage, false)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		path := fmt.Sprintf("/root/file-%d.txt", i%4)
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = cache.WriteAndCache(ctx, path, []byte(fmt.Sprintf("%d-%d", i, j)))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = cache.ReadCached(ctx, path)
			}
		}()
	}
	wg.Wait()

	// After the dust settles, every cached read matches storage.
	for i := 0; i < 4; i++ {
		path := fmt.Sprintf("/root/file-%d.txt", i)
		got, err := cache.ReadCached(ctx, path)
		require.NoError(t, err)
		want, ok := storage.Content(path)
		require.True(t, ok)
		assert.Equal(t, string(want), string(got))
	}
}

func TestOSStorageRoundTripAndExternalChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "a.txt")
	cache := NewFileCache(NewOSStorage(), false)
	defer cache.Close()

	require.NoError(t, cache.WriteAndCache(ctx, path, []byte("hello")))
	got, err := cache.ReadCached(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	got, err = cache.ReadCached(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "changed", string(got))
}

func TestWatcherEvictsRemovedFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	cache := NewFileCache(NewOSStorage(), true)
	defer cache.Close()
	if cache.watcher == nil {
		t.Skip("fsnotify unavailable")
	}

	_, err := cache.ReadCached(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return cache.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
