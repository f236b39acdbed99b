// Package changedetector diffs the current state of a codebase's
// filesystem tree against a hashstore snapshot to determine which
// files were added, modified or removed since the last scan.
package changedetector

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/tinker495/csync/internal/hashstore"
	"github.com/tinker495/csync/internal/ignore"
)

// Change describes a single file's transition.
type Change struct {
	Path string // relative to the codebase root, slash-separated
	Kind Kind
}

// Kind enumerates the ways a tracked file can change.
type Kind int

const (
	Added Kind = iota
	Modified
	Removed
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a scan.
type Result struct {
	Changes  []Change
	ScanTime time.Time
	// Skipped counts paths that were visited but could not be read
	// (permission errors, races where the file disappeared mid-scan).
	Skipped []string
}

// defaultFullScanInterval is how long an incremental scan may rely on
// the mtime baseline before IncrementalScan forces a full tree walk.
const defaultFullScanInterval = 5 * time.Minute

// Detector walks a codebase root and compares file state against a
// hashstore.Store. A single Detector is only ever used by one
// SyncController goroutine at a time; it holds no locks of its own.
type Detector struct {
	root             string
	ignore           *ignore.Matcher
	hashes           *hashstore.Store
	extList          map[string]bool // optional extension allowlist; nil means all files
	fullScanInterval time.Duration
}

// New creates a Detector over root, using matcher to skip ignored
// paths and hashes as the baseline to diff against. fullScanInterval
// bounds how stale the mtime baseline may get before IncrementalScan
// falls back to a full walk; <= 0 uses defaultFullScanInterval.
func New(root string, matcher *ignore.Matcher, hashes *hashstore.Store, extensions []string, fullScanInterval time.Duration) *Detector {
	if fullScanInterval <= 0 {
		fullScanInterval = defaultFullScanInterval
	}
	d := &Detector{root: root, ignore: matcher, hashes: hashes, fullScanInterval: fullScanInterval}
	if len(extensions) > 0 {
		d.extList = make(map[string]bool, len(extensions))
		for _, e := range extensions {
			d.extList[e] = true
		}
	}
	return d
}

// FullScan walks the entire tree, hashing every eligible file and
// comparing it against the baseline. It applies no file changes to the
// hashstore itself (it only records the scan time via SetLastFullScan);
// callers apply changes only after they have been
// durably recorded (e.g. after vector store updates succeed).
func (d *Detector) FullScan() (Result, error) {
	seen := make(map[string]bool)
	var res Result
	res.ScanTime = time.Now()

	err := filepath.Walk(d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Printf("changedetector: walk %s: %v", path, err)
			res.Skipped = append(res.Skipped, path)
			return nil
		}
		if path == d.root {
			return nil
		}
		if isHidden(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if d.ignore.ShouldSkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.ignore.ShouldIgnore(path) {
			return nil
		}
		if !d.eligible(path) {
			return nil
		}
		if !skippableNonRegular(path, info) {
			return nil
		}

		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			res.Skipped = append(res.Skipped, path)
			return nil
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true

		change, ok, scanErr := d.diffOne(rel, path, info)
		if scanErr != nil {
			log.Printf("changedetector: hash %s: %v", path, scanErr)
			res.Skipped = append(res.Skipped, rel)
			return nil
		}
		if ok {
			res.Changes = append(res.Changes, change)
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	for _, rel := range d.hashes.Paths() {
		if !seen[rel] {
			res.Changes = append(res.Changes, Change{Path: rel, Kind: Removed})
		}
	}
	d.hashes.SetLastFullScan(res.ScanTime)
	return res, nil
}

// IncrementalScan behaves like FullScan but skips files whose mtime
// has not advanced past since, which makes repeated catch-up scans on
// large trees cheap. Content is only re-hashed for files whose mtime
// changed, so a touch-without-modify still costs a hash but a
// completely untouched file costs only a stat.
//
// If the hashstore has never recorded a full scan, or its last one is
// older than fullScanInterval, this delegates to FullScan instead:
// the mtime baseline is considered too stale to trust on its own.
func (d *Detector) IncrementalScan(since time.Time) (Result, error) {
	last := d.hashes.LastFullScan()
	if last.IsZero() || time.Since(last) >= d.fullScanInterval {
		return d.FullScan()
	}

	seen := make(map[string]bool)
	var res Result
	res.ScanTime = time.Now()

	err := filepath.Walk(d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Printf("changedetector: walk %s: %v", path, err)
			res.Skipped = append(res.Skipped, path)
			return nil
		}
		if path == d.root {
			return nil
		}
		if isHidden(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if d.ignore.ShouldSkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.ignore.ShouldIgnore(path) {
			return nil
		}
		if !d.eligible(path) {
			return nil
		}
		if !skippableNonRegular(path, info) {
			return nil
		}

		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			res.Skipped = append(res.Skipped, path)
			return nil
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true

		record, known := d.hashes.Get(rel)
		if known && !info.ModTime().After(since) && info.ModTime().UnixNano() == record.ModTime {
			return nil // unchanged, skip re-hash
		}

		change, ok, scanErr := d.diffOne(rel, path, info)
		if scanErr != nil {
			log.Printf("changedetector: hash %s: %v", path, scanErr)
			res.Skipped = append(res.Skipped, rel)
			return nil
		}
		if ok {
			res.Changes = append(res.Changes, change)
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	for _, rel := range d.hashes.Paths() {
		if seen[rel] {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.root, filepath.FromSlash(rel))); os.IsNotExist(err) {
			res.Changes = append(res.Changes, Change{Path: rel, Kind: Removed})
		}
	}
	return res, nil
}

// skippableNonRegular reports whether path is a regular file. Symlinks
// and other special files (devices, sockets, named pipes) are skipped
// with a warning rather than hashed as whatever they point to.
func skippableNonRegular(path string, info os.FileInfo) bool {
	if info.Mode().IsRegular() {
		return true
	}
	if info.Mode()&os.ModeSymlink != 0 {
		log.Printf("changedetector: skipping symlink %s", path)
	} else {
		log.Printf("changedetector: skipping non-regular file %s", path)
	}
	return false
}

// UpdateSingleFile re-evaluates one file, used by the watcher path
// where the caller already knows which path changed and does not want
// to pay for a full tree walk.
func (d *Detector) UpdateSingleFile(relPath string) (Change, bool, error) {
	absPath := filepath.Join(d.root, filepath.FromSlash(relPath))
	lst, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		if _, known := d.hashes.Get(relPath); known {
			return Change{Path: relPath, Kind: Removed}, true, nil
		}
		return Change{}, false, nil
	}
	if err != nil {
		return Change{}, false, err
	}
	if lst.IsDir() {
		return Change{}, false, nil
	}
	if !skippableNonRegular(absPath, lst) {
		return Change{}, false, nil
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return Change{}, false, err
	}
	return d.diffOne(relPath, absPath, info)
}

func (d *Detector) diffOne(rel, absPath string, info os.FileInfo) (Change, bool, error) {
	hash, err := hashstore.HashFile(absPath)
	if err != nil {
		return Change{}, false, err
	}

	record, known := d.hashes.Get(rel)
	if !known {
		return Change{Path: rel, Kind: Added}, true, nil
	}
	if record.Hash != hash {
		return Change{Path: rel, Kind: Modified}, true, nil
	}
	_ = info
	return Change{}, false, nil
}

func (d *Detector) eligible(path string) bool {
	if d.extList == nil {
		return true
	}
	ext := filepath.Ext(path)
	if len(ext) > 0 {
		ext = ext[1:]
	}
	return d.extList[ext]
}

func isHidden(name string) bool {
	return len(name) > 1 && name[0] == '.'
}
