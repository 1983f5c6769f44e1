package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/roach88/offq/internal/op"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOperation creates an operation with the minimal fields Enqueue needs.
func createTestOperation(resource, key string) op.Operation {
	return op.Operation{
		IdempotencyKey: key,
		Fingerprint:    "fp-" + key,
		Kind:           op.KindCreate,
		Resource:       resource,
		Payload:        json.RawMessage(`{"title":"draft"}`),
	}
}
