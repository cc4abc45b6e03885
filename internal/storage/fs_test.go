package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func tempCorpus(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFS(dir, "")
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return store
}

func TestWriteAndRead(t *testing.T) {
	s := tempCorpus(t)
	content := []byte("= Hello\n\nWorld\n")
	if err := s.Write("doc.lml", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("doc.lml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempCorpus(t)
	if err := s.Write("a/b/c.lml", []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.lml")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempCorpus(t)
	_ = s.Write("del.lml", []byte("bye"))
	if err := s.Delete("del.lml"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("del.lml"); err == nil {
		t.Error("expected error reading deleted file")
	}
}

func TestMove(t *testing.T) {
	s := tempCorpus(t)
	_ = s.Write("old.lml", []byte("data"))
	if err := s.Move("old.lml", "sub/new.lml"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, err := s.Read("sub/new.lml")
	if err != nil {
		t.Fatalf("Read after move: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q", got)
	}
	if _, err := s.Read("old.lml"); err == nil {
		t.Error("old path should not exist")
	}
}

func TestDelete_PrunesEmptyDirs(t *testing.T) {
	s := tempCorpus(t)
	_ = s.Write("a/b/only.lml", []byte("x"))
	_ = s.Write("a/keep.lml", []byte("y"))
	if err := s.Delete("a/b/only.lml"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(s.root, "a", "b")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("empty dir a/b should be removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.root, "a")); err != nil {
		t.Errorf("non-empty dir a should stay: %v", err)
	}
	if _, err := os.Stat(s.root); err != nil {
		t.Errorf("root must never be pruned: %v", err)
	}
}

func TestMove_RefusesOverwrite(t *testing.T) {
	s := tempCorpus(t)
	_ = s.Write("a.lml", []byte("a"))
	_ = s.Write("b.lml", []byte("b"))
	if err := s.Move("a.lml", "b.lml"); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("err = %v, want fs.ErrExist", err)
	}
	got, _ := s.Read("b.lml")
	if string(got) != "b" {
		t.Errorf("target overwritten: %q", got)
	}
}

func TestList(t *testing.T) {
	s := tempCorpus(t)
	_ = s.Write("a.lml", []byte("a"))
	_ = s.Write("sub/b.lml", []byte("b"))
	_ = s.Write("readme.txt", []byte("not a source"))
	_ = s.Write(".hidden/c.lml", []byte("skipped"))

	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var paths []string
	for _, it := range items {
		paths = append(paths, it.Path)
		if it.Checksum == "" {
			t.Errorf("%s: empty checksum", it.Path)
		}
	}
	if len(paths) != 2 || paths[0] != "a.lml" || paths[1] != "sub/b.lml" {
		t.Errorf("paths = %v", paths)
	}
}

func TestList_CustomExtension(t *testing.T) {
	store, err := NewFS(t.TempDir(), "bigb")
	if err != nil {
		t.Fatal(err)
	}
	if store.Ext() != ".bigb" {
		t.Errorf("ext = %q", store.Ext())
	}
	_ = store.Write("x.bigb", []byte("x"))
	_ = store.Write("y.lml", []byte("y"))
	items, err := store.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Path != "x.bigb" {
		t.Errorf("items = %+v", items)
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempCorpus(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.lml",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteNoCorruption(t *testing.T) {
	s := tempCorpus(t)
	_ = s.Write("atomic.lml", []byte("original content"))

	updated := []byte("updated content")
	if err := s.Write("atomic.lml", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.lml")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	// Confirm no leftover temp files.
	matches, _ := filepath.Glob(filepath.Join(s.root, ".concord-tmp-*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS("/tmp/concord-does-not-exist-"+t.Name(), "")
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "concord-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name(), "")
	if err == nil {
		t.Error("expected error when root is a file")
	}
}
