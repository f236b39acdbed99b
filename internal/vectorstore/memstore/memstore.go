// Package memstore is an in-memory vectorstore.Store backend that
// persists to a single gob file, used for local single-user codebases
// and as the reference implementation the other backends are checked
// against.
package memstore

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tinker495/csync/internal/fileutil"
	"github.com/tinker495/csync/internal/vectorstore"
)

// Store is a gob-backed, in-memory implementation of vectorstore.Store.
type Store struct {
	indexPath string
	lockPath  string
	dims      int

	mu        sync.RWMutex
	created   bool
	chunks    map[string]vectorstore.Chunk
	documents map[string]vectorstore.Document
}

type gobData struct {
	Dims      int
	Chunks    map[string]vectorstore.Chunk
	Documents map[string]vectorstore.Document
}

// New creates a Store persisting to indexPath. Callers must call Load
// before using it against a codebase that may already have an index
// on disk.
func New(indexPath string) *Store {
	return &Store{
		indexPath: indexPath,
		lockPath:  indexPath + ".lock",
		chunks:    make(map[string]vectorstore.Chunk),
		documents: make(map[string]vectorstore.Document),
	}
}

func (s *Store) HasCollection(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.created {
		return true, nil
	}
	_, err := os.Stat(s.indexPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat index file: %w", err)
}

func (s *Store) CreateCollection(ctx context.Context, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = true
	s.dims = dimensions
	return nil
}

func (s *Store) DropCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = false
	s.chunks = make(map[string]vectorstore.Chunk)
	s.documents = make(map[string]vectorstore.Document)
	if err := os.Remove(s.indexPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove index file: %w", err)
	}
	return nil
}

// ListCollections reports this Store's own gob file as its only
// collection, since one process-local Store is never shared across
// codebases.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	exists, err := s.HasCollection(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return []string{s.indexPath}, nil
}

// CheckCollectionLimit always reports capacity, since a gob file on
// local disk has no server-side collection-count quota to breach.
func (s *Store) CheckCollectionLimit(ctx context.Context) (bool, error) {
	return true, nil
}

// AtomicFileUpdate replaces one file's chunks and document record.
// It snapshots the current state for the file first, applies the
// update, and, if a new chunk's vector does not match the collection's
// dimensions, removes the chunks inserted so far and restores the
// snapshot before returning the error. Persist is separate and is not
// undone by this call.
func (s *Store) AtomicFileUpdate(ctx context.Context, update vectorstore.FileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backupDoc, hadDoc := s.documents[update.Document.Path]
	var backupChunks []vectorstore.Chunk
	if hadDoc {
		for _, id := range backupDoc.ChunkIDs {
			if c, ok := s.chunks[id]; ok {
				backupChunks = append(backupChunks, c)
			}
		}
	}

	var inserted []string
	rollback := func() {
		for _, id := range inserted {
			delete(s.chunks, id)
		}
		if hadDoc {
			for _, id := range backupDoc.ChunkIDs {
				delete(s.chunks, id)
			}
			s.documents[backupDoc.Path] = backupDoc
			for _, c := range backupChunks {
				s.chunks[c.ID] = c
			}
		}
	}

	if hadDoc {
		for _, id := range backupDoc.ChunkIDs {
			delete(s.chunks, id)
		}
	}

	for _, c := range update.Chunks {
		if len(c.Vector) != s.dims && s.dims != 0 {
			rollback()
			return fmt.Errorf("chunk %s has %d dimensions, collection expects %d", c.ID, len(c.Vector), s.dims)
		}
		s.chunks[c.ID] = c
		inserted = append(inserted, c.ID)
	}
	s.documents[update.Document.Path] = update.Document

	return nil
}

// BulkDelete removes every chunk and document for the given file
// paths. It never partially fails: map deletion cannot error.
func (s *Store) BulkDelete(ctx context.Context, filePaths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range filePaths {
		doc, ok := s.documents[path]
		if !ok {
			continue
		}
		for _, id := range doc.ChunkIDs {
			delete(s.chunks, id)
		}
		delete(s.documents, path)
	}
	return nil
}

func (s *Store) HybridSearch(ctx context.Context, queryVector []float32, queryText string, limit int) ([]vectorstore.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if queryText == "" {
		return s.vectorSearchLocked(queryVector, limit)
	}

	dense := s.rankByVector(queryVector)
	sparse := s.rankByKeyword(queryText)

	fused := make(map[string]float32, len(dense))
	for rank, r := range dense {
		fused[r.Chunk.ID] += 1.0 / float32(vectorstore.ReciprocalRankFusionK+rank+1)
	}
	for rank, r := range sparse {
		fused[r.Chunk.ID] += 1.0 / float32(vectorstore.ReciprocalRankFusionK+rank+1)
	}

	results := make([]vectorstore.SearchResult, 0, len(fused))
	for id, score := range fused {
		results = append(results, vectorstore.SearchResult{Chunk: s.chunks[id], Score: score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) VectorSearch(ctx context.Context, queryVector []float32, limit int) ([]vectorstore.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorSearchLocked(queryVector, limit)
}

func (s *Store) vectorSearchLocked(queryVector []float32, limit int) ([]vectorstore.SearchResult, error) {
	results := s.rankByVector(queryVector)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) rankByVector(queryVector []float32) []vectorstore.SearchResult {
	results := make([]vectorstore.SearchResult, 0, len(s.chunks))
	for _, c := range s.chunks {
		results = append(results, vectorstore.SearchResult{Chunk: c, Score: cosineSimilarity(queryVector, c.Vector)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

// rankByKeyword scores chunks by term-frequency overlap with the
// query text. There is no inverted index: every chunk's content is
// scanned per search, which is fine at the scale this backend is
// meant for (a single local codebase's worth of chunks).
func (s *Store) rankByKeyword(queryText string) []vectorstore.SearchResult {
	terms := strings.Fields(strings.ToLower(queryText))
	if len(terms) == 0 {
		return nil
	}

	results := make([]vectorstore.SearchResult, 0)
	for _, c := range s.chunks {
		content := strings.ToLower(c.Content)
		var score float32
		for _, term := range terms {
			score += float32(strings.Count(content, term))
		}
		if score > 0 {
			results = append(results, vectorstore.SearchResult{Chunk: c, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

func (s *Store) GetDocument(ctx context.Context, filePath string) (*vectorstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[filePath]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (s *Store) ListDocuments(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.documents))
	for path := range s.documents {
		paths = append(paths, path)
	}
	return paths, nil
}

func (s *Store) GetChunksForFile(ctx context.Context, filePath string) ([]vectorstore.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[filePath]
	if !ok {
		return nil, nil
	}
	chunks := make([]vectorstore.Chunk, 0, len(doc.ChunkIDs))
	for _, id := range doc.ChunkIDs {
		if c, ok := s.chunks[id]; ok {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

func (s *Store) GetAllChunks(ctx context.Context) ([]vectorstore.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := make([]vectorstore.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func (s *Store) GetStats(ctx context.Context) (*vectorstore.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastUpdated time.Time
	for _, c := range s.chunks {
		if c.UpdatedAt.After(lastUpdated) {
			lastUpdated = c.UpdatedAt
		}
	}
	var size int64
	if info, err := os.Stat(s.indexPath); err == nil {
		size = info.Size()
	}
	return &vectorstore.Stats{
		TotalFiles:  len(s.documents),
		TotalChunks: len(s.chunks),
		IndexSize:   size,
		LastUpdated: lastUpdated,
	}, nil
}

func (s *Store) ListFilesWithStats(ctx context.Context) ([]vectorstore.FileStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make([]vectorstore.FileStats, 0, len(s.documents))
	for _, doc := range s.documents {
		stats = append(stats, vectorstore.FileStats{
			Path:       doc.Path,
			ChunkCount: len(doc.ChunkIDs),
			ModTime:    doc.ModTime,
		})
	}
	return stats, nil
}

// LookupByContentHash implements vectorstore.EmbeddingCache by
// scanning stored chunks for a matching content hash. Adequate at
// single-codebase scale; a real deployment with many codebases would
// want a dedicated hash index instead of this linear scan.
func (s *Store) LookupByContentHash(ctx context.Context, contentHash string) ([]float32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chunks {
		if c.ContentHash == contentHash {
			return c.Vector, true, nil
		}
	}
	return nil, false, nil
}

// Load reads the persisted index from disk under a shared lock. A
// missing file is not an error: it means the collection has never
// been persisted yet.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return s.loadUnlocked()
	}
	defer lockFile.Close()

	if err := fileutil.FlockShared(lockFile, false); err != nil {
		return s.loadUnlocked()
	}
	defer fileutil.Funlock(lockFile)

	return s.loadUnlocked()
}

func (s *Store) loadUnlocked() error {
	file, err := os.Open(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	var data gobData
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}

	s.dims = data.Dims
	s.chunks = data.Chunks
	s.documents = data.Documents
	if s.chunks == nil {
		s.chunks = make(map[string]vectorstore.Chunk)
	}
	if s.documents == nil {
		s.documents = make(map[string]vectorstore.Document)
	}
	s.created = true
	return nil
}

// Persist writes the index to disk atomically: encode to a temp file
// under an exclusive lock, then rename over the target so a reader
// never observes a partially written file.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := fileutil.EnsureParentDir(s.indexPath); err != nil {
		return fmt.Errorf("ensure index dir: %w", err)
	}

	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return s.persistUnlocked()
	}
	defer lockFile.Close()

	if err := fileutil.FlockExclusive(lockFile, false); err != nil {
		return s.persistUnlocked()
	}
	defer fileutil.Funlock(lockFile)

	return s.persistUnlocked()
}

func (s *Store) persistUnlocked() error {
	tempPath := s.indexPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}

	data := gobData{Dims: s.dims, Chunks: s.chunks, Documents: s.documents}
	if err := gob.NewEncoder(file).Encode(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("encode index: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close temp index file: %w", err)
	}

	return fileutil.ReplaceFileAtomically(tempPath, s.indexPath)
}

func (s *Store) Close() error {
	return s.Persist(context.Background())
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}
