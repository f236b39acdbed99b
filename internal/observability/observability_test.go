package observability

import (
	"fmt"
	"testing"
	"time"
)

func TestAuditRingEvictsOldest(t *testing.T) {
	r := New()
	for i := 0; i < auditRingSize+5; i++ {
		r.RecordAudit("/codebase", AuditEntry{Trigger: TriggerManual, Added: i})
	}
	hist := r.History("/codebase", 0)
	if len(hist) != auditRingSize {
		t.Fatalf("expected ring capped at %d, got %d", auditRingSize, len(hist))
	}
	if hist[0].Added != auditRingSize+4 {
		t.Errorf("expected newest-first ordering, got Added=%d", hist[0].Added)
	}
}

func TestHistoryRespectsLimit(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		r.RecordAudit("/codebase", AuditEntry{Added: i})
	}
	hist := r.History("/codebase", 2)
	if len(hist) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(hist))
	}
	if hist[0].Added != 4 || hist[1].Added != 3 {
		t.Errorf("expected [4,3], got [%d,%d]", hist[0].Added, hist[1].Added)
	}
}

func TestHealthCheckFlagsMissingPathAndIndex(t *testing.T) {
	r := New()
	r.SetPresence("/codebase", false, false)
	report := r.HealthCheck("/codebase")
	if len(report.Issues) != 2 {
		t.Fatalf("expected 2 issues, got %v", report.Issues)
	}
}

func TestHealthCheckWarnsOnEmptyMtimeCacheAndPendingOps(t *testing.T) {
	r := New()
	r.SetPresence("/codebase", true, true)
	r.SetPendingOps("/codebase", pendingOpsWarnThreshold+1)
	report := r.HealthCheck("/codebase")
	if len(report.Issues) != 0 {
		t.Errorf("expected no issues, got %v", report.Issues)
	}
	if len(report.Warnings) != 2 {
		t.Fatalf("expected 2 warnings (empty mtime cache + pending ops), got %v", report.Warnings)
	}
}

func TestHealthCheckUntrackedCodebaseIsAnIssue(t *testing.T) {
	r := New()
	report := r.HealthCheck("/unknown")
	if len(report.Issues) != 1 {
		t.Fatalf("expected 1 issue for untracked codebase, got %v", report.Issues)
	}
}

func TestGlobalHealthCheckThresholds(t *testing.T) {
	r := New()
	for i := 0; i < globalCacheWarnThreshold+1; i++ {
		r.SetPresence(fmt.Sprintf("/codebase-%d", i), true, true)
	}
	report := r.GlobalHealthCheck()
	if len(report.Warnings) == 0 {
		t.Error("expected a warning once cache entries exceed the global threshold")
	}
}

func TestGetGlobalCountersAggregatesPendingOps(t *testing.T) {
	r := New()
	r.SetPendingOps("/a", 3)
	r.SetPendingOps("/b", 4)
	g := r.GetGlobalCounters()
	if g.PendingOpsTotal != 7 {
		t.Errorf("expected 7 total pending ops, got %d", g.PendingOpsTotal)
	}
	if g.CacheEntries != 2 {
		t.Errorf("expected 2 cache entries, got %d", g.CacheEntries)
	}
}

func TestSetPoolConnCounter(t *testing.T) {
	r := New()
	r.SetPoolConnCounter(func() int { return 5 })
	if got := r.GetGlobalCounters().PoolConnections; got != 5 {
		t.Errorf("expected pool connections 5, got %d", got)
	}
}

func TestDropRemovesCodebase(t *testing.T) {
	r := New()
	r.RecordAudit("/a", AuditEntry{Time: time.Now()})
	r.Drop("/a")
	if hist := r.History("/a", 0); hist != nil {
		t.Errorf("expected nil history after drop, got %v", hist)
	}
}
