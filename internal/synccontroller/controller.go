// Package synccontroller is the single-writer per-codebase
// orchestrator: it drives full, incremental and single-file sync
// workflows against a ChangeDetector, an Indexer and a VectorStore,
// and owns the codebase's status, audit log and freshness cache.
package synccontroller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinker495/csync/internal/changedetector"
	"github.com/tinker495/csync/internal/chunkindexer"
	"github.com/tinker495/csync/internal/fileutil"
	"github.com/tinker495/csync/internal/hashstore"
	"github.com/tinker495/csync/internal/ignore"
	"github.com/tinker495/csync/internal/observability"
	"github.com/tinker495/csync/internal/vectorstore"
	"github.com/tinker495/csync/internal/watcher"
)

// freshnessCacheTTL is the SyncCacheEntry validity window.
const freshnessCacheTTL = 2 * time.Second

// statusPersistInterval rate-limits progress-triggered snapshot
// writes; the in-memory status is always current, only the persisted
// copy is throttled.
const statusPersistInterval = time.Second

var errLocked = errors.New("synccontroller: codebase is locked by another process")

// IncrementalResult is the outcome of Workflow B.
type IncrementalResult struct {
	Added      int
	Modified   int
	Removed    int
	DurationMs int64
}

// FreshnessResult is the outcome of CheckAndMaybeSync.
type FreshnessResult struct {
	HadChanges   bool
	ChangedCount int
	DurationMs   int64
	FromCache    bool
}

// Deps bundles the collaborators a Controller needs. All fields are
// required except Watcher-related ones, which are only used once
// EnableRealtimeSync is called.
type Deps struct {
	Root        string // absolute codebase root
	Store       vectorstore.Store
	Dimensions  int
	Indexer     *chunkindexer.Indexer
	Hashes      *hashstore.Store
	Ignore      *ignore.Matcher
	Detector    *changedetector.Detector
	Audit       *observability.Registry
	ChunkBudget int
	StateDir    string // directory holding the cross-process sync lock file
	// OnStatusChange is invoked (outside any internal lock) whenever
	// the persisted status changes, letting a Manager keep a
	// process-wide snapshot file in sync.
	OnStatusChange func(root string, rec StatusRecord)
}

// job is one unit of serialized work; the worker goroutine is the
// only thing that ever touches HashStore or VectorStore state.
type job struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// Controller is the single-writer orchestrator for one codebase.
type Controller struct {
	deps Deps

	queue  chan job
	closed chan struct{}

	statusMu    sync.RWMutex
	status      StatusRecord
	lastPersist time.Time

	cacheMu         sync.Mutex
	cacheAt         time.Time
	cacheHadChanges bool

	scanMu   sync.Mutex
	lastScan time.Time

	watchMu sync.Mutex
	watch   *watcher.Watcher
	watchWG sync.WaitGroup
}

// New creates a Controller and starts its worker goroutine. Status
// starts at not_indexed unless the caller's snapshot restore sets it
// via SetStatus before any workflow runs.
func New(deps Deps) *Controller {
	c := &Controller{
		deps:   deps,
		queue:  make(chan job, 64),
		closed: make(chan struct{}),
		status: StatusRecord{Status: StatusNotIndexed, LastUpdated: time.Now()},
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	for j := range c.queue {
		j.done <- j.run(j.ctx)
	}
}

// submit enqueues fn and blocks until it has run, serializing it with
// every other workflow on this codebase.
func (c *Controller) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case c.queue <- job{ctx: ctx, run: fn, done: done}:
	case <-c.closed:
		return errors.New("synccontroller: controller closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work and shuts down realtime sync, if
// enabled. In-flight work already queued is allowed to drain.
func (c *Controller) Close() error {
	c.DisableRealtimeSync()
	close(c.closed)
	close(c.queue)
	return nil
}

// Root returns the codebase's absolute root path.
func (c *Controller) Root() string {
	return c.deps.Root
}

// Store returns the codebase's vector store, used by the search path
// (handler -> FreshnessGate -> SyncController (optional) ->
// VectorStore.hybridSearch) which sits outside the workflow queue.
func (c *Controller) Store() vectorstore.Store {
	return c.deps.Store
}

// Status returns the current in-memory status snapshot.
func (c *Controller) Status() StatusRecord {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// SetStatus overwrites the in-memory status without persisting,
// used by a Manager restoring state from the process-wide snapshot
// file at startup.
func (c *Controller) SetStatus(rec StatusRecord) {
	c.statusMu.Lock()
	c.status = rec
	c.statusMu.Unlock()
}

func (c *Controller) setStatus(rec StatusRecord, forcePersist bool) {
	rec.LastUpdated = time.Now()
	c.statusMu.Lock()
	c.status = rec
	shouldPersist := forcePersist || time.Since(c.lastPersist) >= statusPersistInterval
	if shouldPersist {
		c.lastPersist = rec.LastUpdated
	}
	c.statusMu.Unlock()

	if shouldPersist && c.deps.OnStatusChange != nil {
		c.deps.OnStatusChange(c.deps.Root, rec)
	}
}

func (c *Controller) lockPath() string {
	return filepath.Join(c.deps.StateDir, "sync.lock")
}

// acquireCrossProcessLock takes a non-blocking advisory exclusive
// flock for the duration of a workflow, refusing outright rather than
// blocking if another process already holds it.
func (c *Controller) acquireCrossProcessLock() (func(), error) {
	if err := fileutil.EnsureParentDir(c.lockPath()); err != nil {
		return nil, fmt.Errorf("prepare lock dir: %w", err)
	}
	f, err := os.OpenFile(c.lockPath(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := fileutil.FlockExclusive(f, true); err != nil {
		f.Close()
		return nil, errLocked
	}
	return func() {
		fileutil.Funlock(f)
		f.Close()
	}, nil
}

// IndexOptions overrides a single FullIndex call's scan/index scope,
// letting a request-scoped splitter, extension allowlist or extra
// ignore patterns take effect without touching the codebase's
// persisted configuration. A nil field means "use the configured
// default from Deps".
type IndexOptions struct {
	Detector *changedetector.Detector
	Indexer  *chunkindexer.Indexer
}

// ScopedIndexOptions builds an IndexOptions for one FullIndex call from
// request-scoped overrides: splitter is "ast" or "langchain" (langchain
// falls back to ast with a logged warning, since it is not implemented), customExtensions
// restricts the scan to an allowlist, and ignorePatterns adds extra
// ignore rules on top of the codebase root's own .gitignore/.csyncignore
// files. All three are optional; an empty call returns the zero
// IndexOptions, which FullIndex resolves to the codebase's configured
// defaults.
func (c *Controller) ScopedIndexOptions(splitter string, customExtensions, ignorePatterns []string) (IndexOptions, error) {
	var opts IndexOptions

	if len(ignorePatterns) > 0 {
		matcher, err := ignore.New(c.deps.Root, ignorePatterns, "")
		if err != nil {
			return IndexOptions{}, fmt.Errorf("build ignore matcher: %w", err)
		}
		opts.Detector = changedetector.New(c.deps.Root, matcher, c.deps.Hashes, customExtensions, 0)
	} else if len(customExtensions) > 0 {
		opts.Detector = changedetector.New(c.deps.Root, c.deps.Ignore, c.deps.Hashes, customExtensions, 0)
	}

	if splitter != "" {
		if splitter == "langchain" {
			log.Printf("Warning: splitter %q is not implemented; using ast", splitter)
		}
		splitMode := "ast"
		if splitter == "char" {
			splitMode = "char"
		}
		base := c.deps.Indexer
		opts.Indexer = chunkindexer.New(c.deps.Store, base.Embedder(), base.Splitter(), splitMode, base.MaxBatch(), base.Parallelism())
	}

	return opts, nil
}

// FullIndex runs Workflow A: build/rebuild the collection and index
// every non-ignored file under the root. force drops and recreates
// the collection and clears the hash baseline even if content is
// unchanged.
func (c *Controller) FullIndex(ctx context.Context, force bool, opts IndexOptions) error {
	return c.submit(ctx, func(ctx context.Context) error {
		return c.fullIndex(ctx, force, opts)
	})
}

func (c *Controller) fullIndex(ctx context.Context, force bool, opts IndexOptions) error {
	unlock, err := c.acquireCrossProcessLock()
	if err != nil {
		return err
	}
	defer unlock()

	detector := c.deps.Detector
	if opts.Detector != nil {
		detector = opts.Detector
	}
	indexer := c.deps.Indexer
	if opts.Indexer != nil {
		indexer = opts.Indexer
	}

	c.setStatus(StatusRecord{Status: StatusIndexing, Progress: 0}, true)

	if force {
		if err := c.deps.Store.DropCollection(ctx); err != nil {
			log.Printf("synccontroller: drop collection for %s: %v", c.deps.Root, err)
		}
		c.deps.Hashes.Clear()
	}

	exists, err := c.deps.Store.HasCollection(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("check collection: %w", err))
	}
	if !exists {
		ok, err := c.deps.Store.CheckCollectionLimit(ctx)
		if err != nil {
			return c.fail(fmt.Errorf("check collection limit: %w", err))
		}
		if !ok {
			c.setStatus(StatusRecord{Status: StatusNotIndexed}, true)
			return &vectorstore.CollectionLimitError{}
		}
		if err := c.deps.Store.CreateCollection(ctx, c.deps.Dimensions); err != nil {
			return c.fail(fmt.Errorf("create collection: %w", err))
		}
	}

	scan, err := detector.FullScan()
	if err != nil {
		return c.fail(fmt.Errorf("full scan: %w", err))
	}
	c.recordScan(scan.ScanTime)

	var toIndex []changedetector.Change
	for _, ch := range scan.Changes {
		if ch.Kind != changedetector.Removed {
			toIndex = append(toIndex, ch)
		}
	}

	indexedFiles, totalChunks, limitReached := c.indexChanges(ctx, toIndex, len(toIndex), indexer)

	if err := c.deps.Hashes.Save(); err != nil {
		log.Printf("synccontroller: save hash snapshot for %s: %v", c.deps.Root, err)
	}
	if c.deps.Audit != nil {
		c.deps.Audit.SetLastFullScan(c.deps.Root, scan.ScanTime)
		c.deps.Audit.SetMtimeCacheSize(c.deps.Root, c.deps.Hashes.Len())
		c.deps.Audit.SetPresence(c.deps.Root, true, true)
		c.deps.Audit.RecordAudit(c.deps.Root, observability.AuditEntry{
			Time: time.Now(), Trigger: observability.TriggerManual,
			Added: indexedFiles, Failed: len(scan.Skipped),
		})
	}

	c.setStatus(StatusRecord{
		Status: StatusIndexed, IndexedFiles: indexedFiles,
		TotalChunks: totalChunks, LimitReached: limitReached,
	}, true)
	return nil
}

// indexChanges indexes each change's file content, enforcing the
// controller's total chunk budget across the whole call, recording each
// file's hash in the in-memory hashstore and persisting progress after
// every file (progress persistence itself is rate-limited by setStatus;
// the hash snapshot file is not written here).
func (c *Controller) indexChanges(ctx context.Context, changes []changedetector.Change, total int, indexer *chunkindexer.Indexer) (indexedFiles, totalChunks int, limitReached bool) {
	remaining := c.deps.ChunkBudget

	for i, ch := range changes {
		if c.deps.ChunkBudget > 0 && remaining <= 0 {
			limitReached = true
			break
		}

		absPath := filepath.Join(c.deps.Root, filepath.FromSlash(ch.Path))
		content, err := os.ReadFile(absPath)
		if err != nil {
			log.Printf("synccontroller: read %s: %v", absPath, err)
			continue
		}
		info, err := os.Stat(absPath)
		if err != nil {
			log.Printf("synccontroller: stat %s: %v", absPath, err)
			continue
		}

		fileCap := remaining
		if c.deps.ChunkBudget <= 0 {
			fileCap = 0
		}
		hash := hashstore.HashBytes(content)
		created, truncated, err := indexer.IndexFileWithBudget(ctx, chunkindexer.File{
			Path: ch.Path, Content: string(content), Hash: hash, ModTime: info.ModTime(),
		}, fileCap)
		if err != nil {
			log.Printf("synccontroller: index %s: %v", ch.Path, err)
			continue
		}

		c.deps.Hashes.Upsert(hashstore.Record{Path: ch.Path, Hash: hash, ModTime: info.ModTime().UnixNano(), Size: info.Size()})
		indexedFiles++
		totalChunks += created
		if c.deps.ChunkBudget > 0 {
			remaining -= created
		}

		c.setStatus(StatusRecord{Status: StatusIndexing, Progress: progressPercent(i+1, total)}, false)

		if truncated {
			limitReached = true
			break
		}
	}
	return indexedFiles, totalChunks, limitReached
}

func progressPercent(done, total int) int {
	if total <= 0 {
		return 100
	}
	pct := done * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (c *Controller) fail(err error) error {
	current := c.Status()
	c.setStatus(StatusRecord{Status: StatusFailed, Err: err.Error(), LastProgress: current.Progress}, true)
	return err
}

// IncrementalReindex runs Workflow B: diff against the hash baseline
// and apply the delta to the vector store.
func (c *Controller) IncrementalReindex(ctx context.Context, trigger observability.Trigger) (IncrementalResult, error) {
	var result IncrementalResult
	err := c.submit(ctx, func(ctx context.Context) error {
		r, err := c.incrementalReindex(ctx, trigger)
		result = r
		return err
	})
	return result, err
}

func (c *Controller) incrementalReindex(ctx context.Context, trigger observability.Trigger) (IncrementalResult, error) {
	start := time.Now()
	unlock, err := c.acquireCrossProcessLock()
	if err != nil {
		return IncrementalResult{}, err
	}
	defer unlock()

	scan, err := c.deps.Detector.IncrementalScan(c.takeLastScan())
	if err != nil {
		return IncrementalResult{}, fmt.Errorf("incremental scan: %w", err)
	}
	c.recordScan(scan.ScanTime)
	if len(scan.Changes) == 0 {
		return IncrementalResult{DurationMs: time.Since(start).Milliseconds()}, nil
	}

	var result IncrementalResult
	var failed int
	for _, ch := range scan.Changes {
		switch ch.Kind {
		case changedetector.Removed:
			if err := c.deps.Store.BulkDelete(ctx, []string{ch.Path}); err != nil {
				log.Printf("synccontroller: delete chunks for %s: %v", ch.Path, err)
				failed++
				continue
			}
			c.deps.Hashes.Remove(ch.Path)
			result.Removed++
		case changedetector.Added, changedetector.Modified:
			if err := c.applySingleFile(ctx, ch.Path); err != nil {
				log.Printf("synccontroller: apply %s: %v", ch.Path, err)
				failed++
				continue
			}
			if ch.Kind == changedetector.Added {
				result.Added++
			} else {
				result.Modified++
			}
		}
	}

	if err := c.deps.Hashes.Save(); err != nil {
		log.Printf("synccontroller: save hash snapshot for %s: %v", c.deps.Root, err)
	}
	c.invalidateCache()
	result.DurationMs = time.Since(start).Milliseconds()

	if c.deps.Audit != nil {
		c.deps.Audit.SetMtimeCacheSize(c.deps.Root, c.deps.Hashes.Len())
		c.deps.Audit.SetLastFullScan(c.deps.Root, scan.ScanTime)
		c.deps.Audit.RecordAudit(c.deps.Root, observability.AuditEntry{
			Time: time.Now(), Trigger: trigger, Added: result.Added,
			Modified: result.Modified, Removed: result.Removed,
			Failed: failed, Duration: time.Since(start),
		})
	}
	return result, nil
}

// SingleFileUpdate runs Workflow C, driven by a debounced watcher
// event for exactly one path.
func (c *Controller) SingleFileUpdate(ctx context.Context, relPath string) error {
	return c.submit(ctx, func(ctx context.Context) error {
		return c.singleFileUpdate(ctx, relPath)
	})
}

func (c *Controller) singleFileUpdate(ctx context.Context, relPath string) error {
	start := time.Now()
	unlock, err := c.acquireCrossProcessLock()
	if err != nil {
		return err
	}
	defer unlock()

	change, ok, err := c.deps.Detector.UpdateSingleFile(relPath)
	if err != nil {
		return fmt.Errorf("update single file %s: %w", relPath, err)
	}
	if !ok {
		return nil
	}

	var auditErr string
	switch change.Kind {
	case changedetector.Removed:
		if err := c.deps.Store.BulkDelete(ctx, []string{relPath}); err != nil {
			auditErr = err.Error()
		} else {
			c.deps.Hashes.Remove(relPath)
		}
	default:
		if err := c.applySingleFile(ctx, relPath); err != nil {
			auditErr = err.Error()
		}
	}

	if err := c.deps.Hashes.Save(); err != nil {
		log.Printf("synccontroller: save hash snapshot for %s: %v", c.deps.Root, err)
	}
	c.invalidateCache()

	if c.deps.Audit != nil {
		entry := observability.AuditEntry{Time: time.Now(), Trigger: observability.TriggerRealtime, Duration: time.Since(start), Err: auditErr}
		switch change.Kind {
		case changedetector.Added:
			entry.Added = 1
		case changedetector.Modified:
			entry.Modified = 1
		case changedetector.Removed:
			entry.Removed = 1
		}
		c.deps.Audit.RecordAudit(c.deps.Root, entry)
	}

	if auditErr != "" {
		return errors.New(auditErr)
	}
	return nil
}

// applySingleFile reads relPath's current content and performs an
// atomic file update against the vector store, with no chunk budget
// (the budget only bounds a full-index run).
func (c *Controller) applySingleFile(ctx context.Context, relPath string) error {
	absPath := filepath.Join(c.deps.Root, filepath.FromSlash(relPath))
	content, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", absPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", absPath, err)
	}

	hash := hashstore.HashBytes(content)
	_, err = c.deps.Indexer.IndexFile(ctx, chunkindexer.File{
		Path: relPath, Content: string(content), Hash: hash, ModTime: info.ModTime(),
	})
	if err != nil {
		return err
	}
	c.deps.Hashes.Upsert(hashstore.Record{Path: relPath, Hash: hash, ModTime: info.ModTime().UnixNano(), Size: info.Size()})
	return nil
}

// takeLastScan returns the timestamp of the most recent scan (full or
// incremental) so IncrementalScan can skip files whose mtime hasn't
// advanced since. The zero value is fine for a codebase's first scan.
func (c *Controller) takeLastScan() time.Time {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	return c.lastScan
}

func (c *Controller) recordScan(t time.Time) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	if t.After(c.lastScan) {
		c.lastScan = t
	}
}

func (c *Controller) invalidateCache() {
	c.cacheMu.Lock()
	c.cacheAt = time.Time{}
	c.cacheMu.Unlock()
}

// CheckAndMaybeSync is the freshness-gate entry point: consult the 2s
// SyncCacheEntry, and on a miss run an incremental change check
// without applying it, invoking Workflow B only if changes were
// actually found.
func (c *Controller) CheckAndMaybeSync(ctx context.Context) (FreshnessResult, error) {
	start := time.Now()

	c.cacheMu.Lock()
	if !c.cacheAt.IsZero() && time.Since(c.cacheAt) < freshnessCacheTTL {
		had := c.cacheHadChanges
		c.cacheMu.Unlock()
		return FreshnessResult{HadChanges: had, DurationMs: time.Since(start).Milliseconds(), FromCache: true}, nil
	}
	c.cacheMu.Unlock()

	scan, err := c.deps.Detector.IncrementalScan(c.takeLastScan())
	if err != nil {
		return FreshnessResult{}, fmt.Errorf("freshness scan: %w", err)
	}
	c.recordScan(scan.ScanTime)

	hadChanges := len(scan.Changes) > 0
	c.cacheMu.Lock()
	c.cacheAt = time.Now()
	c.cacheHadChanges = hadChanges
	c.cacheMu.Unlock()

	if !hadChanges {
		return FreshnessResult{DurationMs: time.Since(start).Milliseconds()}, nil
	}

	if _, err := c.IncrementalReindex(ctx, observability.TriggerFreshness); err != nil {
		log.Printf("synccontroller: freshness-triggered sync failed for %s: %v", c.deps.Root, err)
	} else {
		c.invalidateCache()
	}

	return FreshnessResult{HadChanges: true, ChangedCount: len(scan.Changes), DurationMs: time.Since(start).Milliseconds()}, nil
}

// EnableRealtimeSync starts a filesystem watcher that drives
// single-file updates as events are debounced and stabilized.
func (c *Controller) EnableRealtimeSync() error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watch != nil {
		return nil // already enabled
	}

	w, err := watcher.New(c.deps.Root, c.deps.Ignore)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	c.watch = w

	c.watchWG.Add(1)
	go func() {
		defer c.watchWG.Done()
		for ev := range w.Events() {
			rel, err := filepath.Rel(c.deps.Root, ev.Path)
			if err != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if err := c.SingleFileUpdate(context.Background(), rel); err != nil {
				log.Printf("synccontroller: realtime update for %s: %v", rel, err)
			}
		}
	}()
	return nil
}

// DisableRealtimeSync stops the watcher, if running, cancelling all
// pending debounce timers.
func (c *Controller) DisableRealtimeSync() error {
	c.watchMu.Lock()
	w := c.watch
	c.watch = nil
	c.watchMu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	c.watchWG.Wait()
	return err
}

// RealtimeSyncEnabled reports whether a watcher is currently active.
func (c *Controller) RealtimeSyncEnabled() bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return c.watch != nil
}

// ClearIndex drops the collection, deletes the hash snapshot and
// resets status to not_indexed (state-machine transition
// indexed/failed --clear()--> not_indexed).
func (c *Controller) ClearIndex(ctx context.Context) error {
	return c.submit(ctx, func(ctx context.Context) error {
		if err := c.deps.Store.DropCollection(ctx); err != nil {
			return fmt.Errorf("drop collection: %w", err)
		}
		c.deps.Hashes.Clear()
		if err := c.deps.Hashes.Delete(); err != nil {
			log.Printf("synccontroller: delete hash snapshot for %s: %v", c.deps.Root, err)
		}
		c.invalidateCache()
		if c.deps.Audit != nil {
			c.deps.Audit.Drop(c.deps.Root)
		}
		c.setStatus(StatusRecord{Status: StatusNotIndexed}, true)
		return nil
	})
}
