package fs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileInfo represents file metadata
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Storage is the backing store the cache reads through and writes to.
// Paths are absolute and already sandbox-resolved.
type Storage interface {
	// Stat returns file information
	Stat(ctx context.Context, path string) (*FileInfo, error)
	// ReadFile reads the entire file
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile replaces the file content, creating parent directories
	WriteFile(ctx context.Context, path string, data []byte) error
}

// OSStorage is Storage backed by the local filesystem.
type OSStorage struct{}

// NewOSStorage returns the local filesystem storage.
func NewOSStorage() *OSStorage {
	return &OSStorage{}
}

func (OSStorage) Stat(ctx context.Context, path string) (*FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

func (OSStorage) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (OSStorage) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// MockStorage is an in-memory Storage for tests. Every write advances a
// logical clock so each version of a file gets a distinct modification time.
type MockStorage struct {
	mu    sync.Mutex
	files map[string]*mockFile
	clock time.Time
	reads map[string]int

	// ReadErr and WriteErr, when set, are returned by every read or write.
	ReadErr  error
	WriteErr error
}

type mockFile struct {
	data    []byte
	modTime time.Time
}

// NewMockStorage creates an empty MockStorage.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		files: make(map[string]*mockFile),
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		reads: make(map[string]int),
	}
}

// Put stores data as if another process had written it.
func (m *MockStorage) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(path, data)
}

func (m *MockStorage) put(path string, data []byte) {
	m.clock = m.clock.Add(time.Second)
	m.files[path] = &mockFile{
		data:    append([]byte(nil), data...),
		modTime: m.clock,
	}
}

// SetModTime overrides the modification time of an existing file.
func (m *MockStorage) SetModTime(path string, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[path]; ok {
		f.modTime = modTime
	}
}

// Reads returns how many times ReadFile was called for path.
func (m *MockStorage) Reads(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[path]
}

// Content returns the stored bytes for path.
func (m *MockStorage) Content(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

func (m *MockStorage) Stat(ctx context.Context, path string) (*FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[path]
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: path, Err: os.ErrNotExist}
	}
	return &FileInfo{
		Path:    path,
		Size:    int64(len(f.data)),
		ModTime: f.modTime,
	}, nil
}

func (m *MockStorage) ReadFile(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads[path]++
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	f, ok := m.files[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return append([]byte(nil), f.data...), nil
}

func (m *MockStorage) WriteFile(ctx context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.put(path, data)
	return nil
}
