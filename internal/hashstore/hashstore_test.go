package hashstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreUpsertGetRemove(t *testing.T) {
	dir := t.TempDir()
	s := New(SnapshotPath(dir, dir))

	if _, ok := s.Get("a.go"); ok {
		t.Fatal("expected no record before upsert")
	}

	s.Upsert(Record{Path: "a.go", Hash: "h1", ModTime: 1, Size: 10})
	rec, ok := s.Get("a.go")
	if !ok || rec.Hash != "h1" {
		t.Fatalf("unexpected record: %+v ok=%v", rec, ok)
	}

	s.Remove("a.go")
	if _, ok := s.Get("a.go"); ok {
		t.Fatal("expected record removed")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := SnapshotPath(dir, dir)

	s := New(path)
	s.Upsert(Record{Path: "a.go", Hash: "h1", ModTime: 1, Size: 10})
	s.Upsert(Record{Path: "b.go", Hash: "h2", ModTime: 2, Size: 20})

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected snapshot file: %v", err)
	}

	loaded := New(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", loaded.Len())
	}
	rec, ok := loaded.Get("b.go")
	if !ok || rec.Hash != "h2" {
		t.Fatalf("unexpected loaded record: %+v", rec)
	}
}

func TestStoreLoadMissingFileIsNotError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.gob"))
	if err := s.Load(); err != nil {
		t.Fatalf("Load on missing file should not error: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d records", s.Len())
	}
}

func TestSummaryRootStableUnderInsertionOrder(t *testing.T) {
	s1 := New(filepath.Join(t.TempDir(), "s1.gob"))
	s1.Upsert(Record{Path: "a.go", Hash: "h1"})
	s1.Upsert(Record{Path: "b.go", Hash: "h2"})

	s2 := New(filepath.Join(t.TempDir(), "s2.gob"))
	s2.Upsert(Record{Path: "b.go", Hash: "h2"})
	s2.Upsert(Record{Path: "a.go", Hash: "h1"})

	if s1.SummaryRoot() != s2.SummaryRoot() {
		t.Fatal("summary root should be independent of insertion order")
	}
}

func TestSummaryRootChangesWithContent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "s.gob"))
	s.Upsert(Record{Path: "a.go", Hash: "h1"})
	root1 := s.SummaryRoot()

	s.Upsert(Record{Path: "a.go", Hash: "h1-modified"})
	root2 := s.SummaryRoot()

	if root1 == root2 {
		t.Fatal("summary root should change when a file's hash changes")
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(p, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	h1, err := HashFile(p)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	h2, err := HashFile(p)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if h1 != h2 {
		t.Fatal("hash should be deterministic")
	}

	if err := os.WriteFile(p, []byte("hello world!"), 0644); err != nil {
		t.Fatal(err)
	}
	h3, err := HashFile(p)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if h3 == h1 {
		t.Fatal("hash should change with content")
	}
}
