package changedetector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinker495/csync/internal/hashstore"
	"github.com/tinker495/csync/internal/ignore"
)

func setup(t *testing.T) (string, *hashstore.Store, *ignore.Matcher) {
	t.Helper()
	dir := t.TempDir()
	m, err := ignore.New(dir, []string{".git"}, "")
	if err != nil {
		t.Fatal(err)
	}
	hs := hashstore.New(hashstore.SnapshotPath(filepath.Join(dir, ".state"), dir))
	return dir, hs, m
}

func TestFullScanDetectsAdded(t *testing.T) {
	dir, hs, m := setup(t)
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0644); err != nil {
		t.Fatal(err)
	}

	d := New(dir, m, hs, nil, 0)
	res, err := d.FullScan()
	if err != nil {
		t.Fatalf("FullScan: %v", err)
	}
	if len(res.Changes) != 1 || res.Changes[0].Kind != Added || res.Changes[0].Path != "a.go" {
		t.Fatalf("unexpected changes: %+v", res.Changes)
	}
}

func TestFullScanDetectsModifiedAndRemoved(t *testing.T) {
	dir, hs, m := setup(t)
	path := filepath.Join(dir, "a.go")
	if err := os.WriteFile(path, []byte("package a"), 0644); err != nil {
		t.Fatal(err)
	}
	hash, _ := hashstore.HashFile(path)
	hs.Upsert(hashstore.Record{Path: "a.go", Hash: hash})

	if err := os.WriteFile(path, []byte("package a // changed"), 0644); err != nil {
		t.Fatal(err)
	}

	d := New(dir, m, hs, nil, 0)
	res, err := d.FullScan()
	if err != nil {
		t.Fatalf("FullScan: %v", err)
	}
	if len(res.Changes) != 1 || res.Changes[0].Kind != Modified {
		t.Fatalf("expected 1 modified change, got %+v", res.Changes)
	}

	// Now simulate removal: forget the file on disk but keep the hash record.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	res, err = d.FullScan()
	if err != nil {
		t.Fatalf("FullScan: %v", err)
	}
	if len(res.Changes) != 1 || res.Changes[0].Kind != Removed {
		t.Fatalf("expected 1 removed change, got %+v", res.Changes)
	}
}

func TestFullScanRespectsIgnore(t *testing.T) {
	dir, hs, _ := setup(t)
	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node_modules", "x.js"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("node_modules/\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m2, err := ignore.New(dir, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	d := New(dir, m2, hs, nil, 0)
	res, err := d.FullScan()
	if err != nil {
		t.Fatalf("FullScan: %v", err)
	}
	for _, c := range res.Changes {
		if c.Path == "node_modules/x.js" {
			t.Fatal("node_modules should be ignored")
		}
	}
}

func TestUpdateSingleFile(t *testing.T) {
	dir, hs, m := setup(t)
	path := filepath.Join(dir, "a.go")
	if err := os.WriteFile(path, []byte("package a"), 0644); err != nil {
		t.Fatal(err)
	}

	d := New(dir, m, hs, nil, 0)
	change, ok, err := d.UpdateSingleFile("a.go")
	if err != nil {
		t.Fatalf("UpdateSingleFile: %v", err)
	}
	if !ok || change.Kind != Added {
		t.Fatalf("expected added change, got %+v ok=%v", change, ok)
	}
}

func TestIncrementalScanSkipsUnchanged(t *testing.T) {
	dir, hs, m := setup(t)
	path := filepath.Join(dir, "a.go")
	if err := os.WriteFile(path, []byte("package a"), 0644); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(path)
	hash, _ := hashstore.HashFile(path)
	hs.Upsert(hashstore.Record{Path: "a.go", Hash: hash, ModTime: info.ModTime().UnixNano()})
	hs.SetLastFullScan(time.Now())

	d := New(dir, m, hs, nil, 0)
	res, err := d.IncrementalScan(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IncrementalScan: %v", err)
	}
	if len(res.Changes) != 0 {
		t.Fatalf("expected no changes for untouched file, got %+v", res.Changes)
	}
}

func TestIncrementalScanDelegatesToFullScanWhenStale(t *testing.T) {
	dir, hs, m := setup(t)
	path := filepath.Join(dir, "a.go")
	if err := os.WriteFile(path, []byte("package a"), 0644); err != nil {
		t.Fatal(err)
	}

	d := New(dir, m, hs, nil, time.Millisecond)
	res, err := d.IncrementalScan(time.Time{})
	if err != nil {
		t.Fatalf("IncrementalScan: %v", err)
	}
	if len(res.Changes) != 1 || res.Changes[0].Kind != Added {
		t.Fatalf("expected a full scan to detect the new file, got %+v", res.Changes)
	}
	if hs.LastFullScan().IsZero() {
		t.Fatal("expected the delegated full scan to record LastFullScan")
	}
}
