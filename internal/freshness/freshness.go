// Package freshness implements the FreshnessGate consulted at the
// start of every search: it decides whether the codebase is usable at
// all, annotates the response when indexing is still in progress, and
// otherwise leans on the SyncController's own cached staleness check
// to trigger a catch-up reindex without ever blocking or failing the
// search itself.
package freshness

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/tinker495/csync/internal/synccontroller"
)

// ErrNotIndexed is returned when a codebase is neither indexed nor
// indexing: it has never been indexed, or its last index failed.
var ErrNotIndexed = errors.New("freshness: codebase is not indexed")

// Result is what a search handler gets back from Check: whether it may
// proceed, and whether the caller should annotate its response because
// the index is incomplete.
type Result struct {
	Incomplete bool // indexing is still in progress; results may be partial
	HadChanges bool
	ChangedCount int
}

// Gate is the process-wide FreshnessGate. A single boolean, toggled by
// Enable/Disable, turns the whole check into a no-op across every
// codebase at once; it defaults to on.
type Gate struct {
	enabled atomic.Bool
}

// New returns a Gate with the default-on behavior.
func New() *Gate {
	g := &Gate{}
	g.enabled.Store(true)
	return g
}

// Enable turns the gate back on.
func (g *Gate) Enable() { g.enabled.Store(true) }

// Disable turns the gate off; Check then always proceeds without
// consulting the controller at all.
func (g *Gate) Disable() { g.enabled.Store(false) }

// Enabled reports the gate's current state.
func (g *Gate) Enabled() bool { return g.enabled.Load() }

// Check runs the gate's decision against one codebase's Controller
// ahead of a search. It returns ErrNotIndexed only when the codebase
// has never been indexed or its last index failed; every other
// outcome, including a sync
// failure, lets the search proceed rather than surfacing the failure.
func (g *Gate) Check(ctx context.Context, c *synccontroller.Controller) (Result, error) {
	if !g.enabled.Load() {
		return Result{}, nil
	}

	status := c.Status()
	switch status.Status {
	case synccontroller.StatusNotIndexed, synccontroller.StatusFailed:
		// failed is neither indexed nor indexing, so it reads the same
		// way as never-indexed here.
		return Result{}, ErrNotIndexed
	case synccontroller.StatusIndexing:
		return Result{Incomplete: true}, nil
	}

	fresh, err := c.CheckAndMaybeSync(ctx)
	if err != nil {
		log.Printf("freshness: check failed, proceeding anyway: %v", err)
		return Result{}, nil
	}
	return Result{HadChanges: fresh.HadChanges, ChangedCount: fresh.ChangedCount}, nil
}

// Message renders the user-visible distinction a search response
// needs: "not indexed", "currently indexing, results may be
// incomplete", or a generic error with the underlying message
// attached.
func Message(res Result, err error) string {
	switch {
	case errors.Is(err, ErrNotIndexed):
		return "not indexed"
	case err != nil:
		return fmt.Sprintf("error: %v", err)
	case res.Incomplete:
		return "currently indexing, results may be incomplete"
	default:
		return ""
	}
}
