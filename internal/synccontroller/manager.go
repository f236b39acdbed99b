package synccontroller

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tinker495/csync/internal/fileutil"
)

// snapshotRecord is the JSON-serializable shape of one codebase's
// status, written to the process-wide snapshot file at every status
// boundary.
type snapshotRecord struct {
	Status       Status    `json:"status"`
	Progress     int       `json:"progress,omitempty"`
	IndexedFiles int       `json:"indexed_files,omitempty"`
	TotalChunks  int       `json:"total_chunks,omitempty"`
	LimitReached bool      `json:"limit_reached,omitempty"`
	Err          string    `json:"error,omitempty"`
	LastProgress int       `json:"last_progress,omitempty"`
	LastUpdated  time.Time `json:"last_updated"`
}

func toSnapshotRecord(r StatusRecord) snapshotRecord {
	return snapshotRecord{
		Status: r.Status, Progress: r.Progress, IndexedFiles: r.IndexedFiles,
		TotalChunks: r.TotalChunks, LimitReached: r.LimitReached, Err: r.Err,
		LastProgress: r.LastProgress, LastUpdated: r.LastUpdated,
	}
}

func fromSnapshotRecord(s snapshotRecord) StatusRecord {
	return StatusRecord{
		Status: s.Status, Progress: s.Progress, IndexedFiles: s.IndexedFiles,
		TotalChunks: s.TotalChunks, LimitReached: s.LimitReached, Err: s.Err,
		LastProgress: s.LastProgress, LastUpdated: s.LastUpdated,
	}
}

// Manager owns every codebase's Controller, keyed by its absolute
// root path, and persists the process-wide codebase snapshot file
// atomically whenever a Controller's status changes.
type Manager struct {
	snapshotPath string

	mu          sync.Mutex
	controllers map[string]*Controller

	// newController is overridable in tests; production callers get
	// it wired to the real dependency constructors via NewManager.
	newController func(root string) (*Controller, error)
}

// NewManager creates a Manager that persists its snapshot to
// snapshotPath and builds a Controller for a not-yet-seen root using
// build.
func NewManager(snapshotPath string, build func(root string) (*Controller, error)) *Manager {
	return &Manager{
		snapshotPath:  snapshotPath,
		controllers:   make(map[string]*Controller),
		newController: build,
	}
}

// LoadSnapshot restores persisted status records for any codebase
// root already known to the Manager (i.e. whose Controller has
// already been created via Get). A missing file is not an error.
func (m *Manager) LoadSnapshot() error {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read codebase snapshot: %w", err)
	}

	var records map[string]snapshotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode codebase snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for root, rec := range records {
		c, ok := m.controllers[root]
		if !ok {
			continue
		}
		c.SetStatus(fromSnapshotRecord(rec))
	}
	return nil
}

// Get returns the Controller for root, creating it (and its
// dependencies, via the Manager's build function) on first use.
func (m *Manager) Get(root string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[root]; ok {
		return c, nil
	}
	c, err := m.newController(root)
	if err != nil {
		return nil, err
	}
	m.controllers[root] = c
	return c, nil
}

// Roots returns every codebase root the Manager currently tracks.
func (m *Manager) Roots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	roots := make([]string, 0, len(m.controllers))
	for r := range m.controllers {
		roots = append(roots, r)
	}
	return roots
}

// Remove drops root from the Manager and closes its Controller,
// used after ClearIndex when a codebase is no longer tracked at all
// (as opposed to merely reset to not_indexed).
func (m *Manager) Remove(root string) error {
	m.mu.Lock()
	c, ok := m.controllers[root]
	delete(m.controllers, root)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Close()
}

// PersistStatus is the OnStatusChange callback a build function
// should wire into each Controller's Deps so every status boundary
// is atomically reflected in the snapshot file.
func (m *Manager) PersistStatus(root string, rec StatusRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.snapshotPath)
	records := make(map[string]snapshotRecord)
	if err == nil {
		_ = json.Unmarshal(data, &records)
	}
	records[root] = toSnapshotRecord(rec)

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return
	}
	if err := fileutil.EnsureParentDir(m.snapshotPath); err != nil {
		return
	}
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return
	}
	if err := fileutil.ReplaceFileAtomically(tmp, m.snapshotPath); err != nil {
		os.Remove(tmp)
	}
}

// CloseAll closes every tracked Controller, used at process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.mu.Unlock()

	for _, c := range controllers {
		_ = c.Close()
	}
}
