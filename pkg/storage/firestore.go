package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/pvcast/pkg/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackend implements Backend using Google Cloud Firestore. Each
// document is stored as a JSON string in the "json" field of a doc in a
// single collection.
type FirestoreBackend struct {
	client     *firestore.Client
	projectID  string
	database   string
	collection string
}

// configuredFirestore sets up the Firestore backend.
// It registers flags for configuration.
func configuredFirestore() *FirestoreBackend {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	collection := lflag.String("firestore-collection", "pvcast", "Firestore collection holding the documents")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreBackend{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.collection = *collection

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the backend is properly configured.
func (f *FirestoreBackend) Validate() error {
	// Project ID may be empty and detected from the environment.
	if f.collection == "" {
		return errors.New("firestore-collection is required")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the backend methods.
func (f *FirestoreBackend) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreBackend) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreBackend) doc(name string) (*firestore.DocumentRef, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid document name: %q", name)
	}
	return f.client.Collection(f.collection).Doc(name), nil
}

// Read returns the JSON stored in a document or ErrNotFound.
func (f *FirestoreBackend) Read(ctx context.Context, name string) ([]byte, error) {
	ref, err := f.doc(name)
	if err != nil {
		return nil, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch %s doc: %w", name, err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("name", name))
		return nil, fmt.Errorf("%s document missing 'json' field: %w", name, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("name", name))
		return nil, fmt.Errorf("%s 'json' field is not a string", name)
	}
	return []byte(jsonStr), nil
}

// Write replaces a document. Firestore Set is atomic per document.
func (f *FirestoreBackend) Write(ctx context.Context, name string, data []byte) error {
	ref, err := f.doc(name)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]interface{}{
		"json":    string(data),
		"updated": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	return nil
}

// Delete removes a document.
func (f *FirestoreBackend) Delete(ctx context.Context, name string) error {
	ref, err := f.doc(name)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// List returns the document IDs in the collection with the given prefix.
func (f *FirestoreBackend) List(ctx context.Context, prefix string) ([]string, error) {
	iter := f.client.Collection(f.collection).DocumentRefs(ctx)
	var names []string
	for {
		ref, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}
		if strings.HasPrefix(ref.ID, prefix) {
			names = append(names, ref.ID)
		}
	}
	sort.Strings(names)
	return names, nil
}
