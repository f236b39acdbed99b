// Package vectorstore defines the adapter contract every backend
// (in-memory, Qdrant, Postgres/pgvector) must satisfy: per-file atomic
// updates, bulk deletion, hybrid dense+sparse search with reciprocal
// rank fusion, and collection lifecycle management.
package vectorstore

import (
	"context"
	"time"
)

// Chunk is one embedded span of a file.
type Chunk struct {
	ID          string
	FilePath    string
	StartLine   int
	EndLine     int
	Content     string
	Vector      []float32
	Hash        string
	ContentHash string
	UpdatedAt   time.Time
}

// Document is a file's chunk membership record.
type Document struct {
	Path     string
	Hash     string
	ModTime  time.Time
	ChunkIDs []string
}

// SearchResult is a scored match.
type SearchResult struct {
	Chunk Chunk
	Score float32
}

// Stats summarizes a collection.
type Stats struct {
	TotalFiles  int
	TotalChunks int
	IndexSize   int64
	LastUpdated time.Time
}

// FileStats summarizes one file's membership in the collection.
type FileStats struct {
	Path       string
	ChunkCount int
	ModTime    time.Time
}

// ReciprocalRankFusionK is the constant used when fusing dense and
// sparse rankings in hybrid search: score = sum(1 / (k + rank)).
const ReciprocalRankFusionK = 100

// FileUpdate is the complete replacement set for one file's chunks,
// applied atomically by AtomicFileUpdate.
type FileUpdate struct {
	Document Document
	Chunks   []Chunk
}

// Store is the adapter contract a vector store backend implements.
// Every method takes ctx so a backend with real network I/O (Qdrant,
// Postgres) can be cancelled or bounded by the caller.
type Store interface {
	// HasCollection reports whether the backing collection/table for
	// this codebase already exists.
	HasCollection(ctx context.Context) (bool, error)

	// CreateCollection creates the backing collection sized for
	// dimensions, enabling hybrid (dense+sparse) indexing if
	// supported by the backend.
	CreateCollection(ctx context.Context, dimensions int) error

	// DropCollection permanently deletes the collection and all
	// chunks/documents within it.
	DropCollection(ctx context.Context) error

	// AtomicFileUpdate replaces one file's chunks and document record
	// as a single unit: backup the current state, delete it, insert
	// the new state, and roll back to the backup on any failure
	// partway through. The qdrant backend has no rollback: it deletes
	// and then upserts, so a failed upsert leaves the file's old chunks
	// gone.
	AtomicFileUpdate(ctx context.Context, update FileUpdate) error

	// BulkDelete removes every chunk and document for the given file
	// paths. Backends make a single attempt and return the first error;
	// none of them retries a failed deletion.
	BulkDelete(ctx context.Context, filePaths []string) error

	// HybridSearch performs reciprocal-rank fusion of a dense vector
	// search and a sparse keyword search, returning up to limit
	// results ordered by fused score. The qdrant backend runs a
	// dense-only query here, with no sparse side and no fusion.
	HybridSearch(ctx context.Context, queryVector []float32, queryText string, limit int) ([]SearchResult, error)

	// VectorSearch performs dense-only search, used when no query
	// text is available for the sparse side.
	VectorSearch(ctx context.Context, queryVector []float32, limit int) ([]SearchResult, error)

	GetDocument(ctx context.Context, filePath string) (*Document, error)
	ListDocuments(ctx context.Context) ([]string, error)
	GetChunksForFile(ctx context.Context, filePath string) ([]Chunk, error)
	GetAllChunks(ctx context.Context) ([]Chunk, error)
	GetStats(ctx context.Context) (*Stats, error)
	ListFilesWithStats(ctx context.Context) ([]FileStats, error)

	// ListCollections enumerates every collection/table the backend
	// currently holds, not just this Store's own.
	ListCollections(ctx context.Context) ([]string, error)

	// CheckCollectionLimit probes server-side capacity by creating and
	// immediately dropping a dummy collection. It returns false iff the
	// backend reports a collection-count limit breach; any other error
	// propagates rather than being folded into the bool.
	CheckCollectionLimit(ctx context.Context) (bool, error)

	Close() error
}

// EmbeddingCache is an optional capability: a backend that can look
// up a previously stored vector by content hash lets the indexer skip
// re-embedding identical content.
type EmbeddingCache interface {
	LookupByContentHash(ctx context.Context, contentHash string) ([]float32, bool, error)
}

// CollectionLimitError indicates a backend refused to create a new
// collection because it is already at its configured maximum.
type CollectionLimitError struct {
	Limit int
}

func (e *CollectionLimitError) Error() string {
	return "vector store collection limit reached"
}
