package synccontroller

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestManagerGetCreatesOncePerRoot(t *testing.T) {
	dir := t.TempDir()
	var builds int
	mgr := NewManager(filepath.Join(dir, "snapshot.json"), func(root string) (*Controller, error) {
		builds++
		return New(Deps{Root: root, StateDir: t.TempDir()}), nil
	})

	c1, err := mgr.Get("/a")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := mgr.Get("/a")
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Error("expected the same Controller for the same root")
	}
	if builds != 1 {
		t.Errorf("expected exactly 1 build, got %d", builds)
	}
}

func TestManagerGetPropagatesBuildError(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(filepath.Join(dir, "snapshot.json"), func(root string) (*Controller, error) {
		return nil, errors.New("boom")
	})
	if _, err := mgr.Get("/a"); err == nil {
		t.Fatal("expected build error to propagate")
	}
}

func TestManagerPersistStatusAndReload(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "snapshot.json")

	mgr := NewManager(snapshotPath, func(root string) (*Controller, error) {
		return New(Deps{Root: root, StateDir: t.TempDir()}), nil
	})
	mgr.PersistStatus("/codebase-a", StatusRecord{Status: StatusIndexed, IndexedFiles: 3, TotalChunks: 9})

	mgr2 := NewManager(snapshotPath, func(root string) (*Controller, error) {
		return New(Deps{Root: root, StateDir: t.TempDir()}), nil
	})
	c2, err := mgr2.Get("/codebase-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr2.LoadSnapshot(); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	status := c2.Status()
	if status.Status != StatusIndexed || status.IndexedFiles != 3 || status.TotalChunks != 9 {
		t.Errorf("expected restored status {indexed 3 9}, got %+v", status)
	}
}

func TestManagerRootsListsTrackedCodebases(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(filepath.Join(dir, "snapshot.json"), func(root string) (*Controller, error) {
		return New(Deps{Root: root, StateDir: t.TempDir()}), nil
	})
	mgr.Get("/a")
	mgr.Get("/b")

	roots := mgr.Roots()
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %v", roots)
	}
}

func TestManagerRemoveClosesController(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(filepath.Join(dir, "snapshot.json"), func(root string) (*Controller, error) {
		return New(Deps{Root: root, StateDir: t.TempDir()}), nil
	})
	mgr.Get("/a")
	if err := mgr.Remove("/a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(mgr.Roots()) != 0 {
		t.Error("expected no roots tracked after Remove")
	}
}
