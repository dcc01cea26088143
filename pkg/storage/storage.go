package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

var (
	// ErrNotFound is returned by Read when the document does not exist.
	ErrNotFound = errors.New("document not found")
)

// Backend persists named JSON documents. Writes replace the whole document
// atomically so a reader never observes a partial write.
type Backend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	// List returns the names of documents starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage Backend based on flags.
func Configured() Backend {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore)")

	var p struct{ Backend }

	fb := configuredFile()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := fb.Validate(); err != nil {
				panic(fmt.Sprintf("file storage validation failed: %v", err))
			}
			if err := fb.Init(); err != nil {
				panic(fmt.Sprintf("file storage init failed: %v", err))
			}
			p.Backend = fb
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Backend = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
