package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/pvcast/pkg/log"
)

const fileExt = ".json"

// FileBackend stores each document as a JSON file in a directory. Every file
// has its own lock and writes go through a temp file that is renamed into
// place.
type FileBackend struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileBackend returns a backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	f := &FileBackend{dir: dir}
	if err := f.Init(); err != nil {
		return nil, err
	}
	return f, nil
}

func configuredFile() *FileBackend {
	dir := lflag.String("storage-dir", "data", "Directory for the file storage provider")

	f := &FileBackend{}
	lflag.Do(func() {
		f.dir = *dir
	})
	return f
}

// Validate checks if the backend is properly configured.
func (f *FileBackend) Validate() error {
	if f.dir == "" {
		return errors.New("storage-dir is required")
	}
	return nil
}

// Init creates the storage directory.
func (f *FileBackend) Init() error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage dir (%s): %w", f.dir, err)
	}
	return nil
}

// Close is a no-op for files.
func (f *FileBackend) Close() error {
	return nil
}

func (f *FileBackend) lock(name string) func() {
	f.mu.Lock()
	if f.locks == nil {
		f.locks = make(map[string]*sync.Mutex)
	}
	l, ok := f.locks[name]
	if !ok {
		l = &sync.Mutex{}
		f.locks[name] = l
	}
	f.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (f *FileBackend) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid document name: %q", name)
	}
	return filepath.Join(f.dir, name+fileExt), nil
}

// Read returns the contents of a document or ErrNotFound.
func (f *FileBackend) Read(ctx context.Context, name string) ([]byte, error) {
	p, err := f.path(name)
	if err != nil {
		return nil, err
	}
	defer f.lock(name)()

	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return b, nil
}

// Write replaces a document by writing a temp file and renaming it.
func (f *FileBackend) Write(ctx context.Context, name string, data []byte) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	defer f.lock(name)()

	tmp, err := os.CreateTemp(f.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	// after a successful rename this fails harmlessly
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to replace %s: %w", p, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "wrote document", slog.String("name", name), slog.Int("bytes", len(data)))
	return nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (f *FileBackend) Delete(ctx context.Context, name string) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	defer f.lock(name)()

	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

// List returns the document names with the given prefix.
func (f *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", f.dir, err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, fileExt) {
			continue
		}
		n = strings.TrimSuffix(n, fileExt)
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}
