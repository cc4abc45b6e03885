// Package testutil provides shared test helpers for setting up corpora and databases.
package testutil

import (
	"os"
	"testing"

	"github.com/starford/concord/internal/index"
	"github.com/starford/concord/internal/storage"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T, opts ...index.Option) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "concord-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() {
		os.Remove(dbFile.Name())
		os.Remove(dbFile.Name() + "-wal")
		os.Remove(dbFile.Name() + "-shm")
	})

	db, err := index.Open(dbFile.Name(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestCorpus creates a temporary corpus directory with a storage.Provider for
// files ending in storage.DefaultExt.
func TestCorpus(t *testing.T) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir, storage.DefaultExt)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// WriteFiles writes path → content pairs into store.
func WriteFiles(t *testing.T, store storage.Provider, files map[string]string) {
	t.Helper()
	for p, content := range files {
		if err := store.Write(p, []byte(content)); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
}
