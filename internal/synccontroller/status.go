package synccontroller

import "time"

// Status is a Codebase's position in its state machine:
//
//	not_indexed ──index()──► indexing ──ok──► indexed
//	                               │
//	                               └──err──► failed
//	indexed ──clear()──► not_indexed
//	failed ──index()──► indexing (retry)
//	indexed ──index(force)──► indexing (drops collection first)
type Status string

const (
	StatusNotIndexed Status = "not_indexed"
	StatusIndexing   Status = "indexing"
	StatusIndexed    Status = "indexed"
	StatusFailed     Status = "failed"
)

// StatusRecord is the persisted per-codebase status snapshot.
type StatusRecord struct {
	Status       Status
	Progress     int // 0-100, meaningful only while Status == StatusIndexing
	IndexedFiles int
	TotalChunks  int
	LimitReached bool
	Err          string // set only when Status == StatusFailed
	LastProgress int    // Progress value at the moment of failure
	LastUpdated  time.Time
}
