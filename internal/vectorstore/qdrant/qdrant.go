// Package qdrant adapts a Qdrant collection to vectorstore.Store.
// Point IDs are deterministic UUIDv5s derived from chunk IDs, since
// Qdrant points are addressed by UUID or integer, not by the
// path:line-range strings chunkindexer produces.
package qdrant

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	qdrantclient "github.com/qdrant/go-client/qdrant"

	"github.com/tinker495/csync/internal/vectorstore"
)

// pointNamespace seeds the UUIDv5 derivation so point IDs are stable
// across runs for the same chunk ID.
var pointNamespace = uuid.MustParse("3f3d1a2e-6f8b-4a6a-9f7e-2b6c1d9a7e10")

const (
	payloadKeyFilePath    = "file_path"
	payloadKeyStartLine   = "start_line"
	payloadKeyEndLine     = "end_line"
	payloadKeyContent     = "content"
	payloadKeyHash        = "hash"
	payloadKeyContentHash = "content_hash"
	payloadKeyUpdatedAt   = "updated_at"
	payloadKeyChunkID     = "chunk_id"
)

// Options configures a Store's connection to Qdrant.
type Options struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// Store adapts a single Qdrant collection to vectorstore.Store.
type Store struct {
	client     *qdrantclient.Client
	collection string
}

// Open connects to Qdrant and returns a Store bound to opts.Collection.
// It does not create the collection; callers must call CreateCollection
// or check HasCollection first.
func Open(ctx context.Context, opts Options) (*Store, error) {
	cfg := &qdrantclient.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		UseTLS: opts.UseTLS,
	}
	if opts.APIKey != "" {
		cfg.APIKey = opts.APIKey
	}

	client, err := qdrantclient.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", opts.Host, opts.Port, err)
	}

	return &Store{client: client, collection: opts.Collection}, nil
}

func pointID(chunkID string) *qdrantclient.PointId {
	return qdrantclient.NewID(uuid.NewSHA1(pointNamespace, []byte(chunkID)).String())
}

func (s *Store) HasCollection(ctx context.Context) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return false, fmt.Errorf("check qdrant collection %s: %w", s.collection, err)
	}
	return exists, nil
}

func (s *Store) CreateCollection(ctx context.Context, dimensions int) error {
	err := s.client.CreateCollection(ctx, &qdrantclient.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrantclient.NewVectorsConfig(&qdrantclient.VectorParams{
			Size:     uint64(dimensions),
			Distance: qdrantclient.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create qdrant collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *Store) DropCollection(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
		return fmt.Errorf("drop qdrant collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list qdrant collections: %w", err)
	}
	return names, nil
}

// collectionLimitProbeSuffix names the throwaway collection
// CheckCollectionLimit creates and drops; it never collides with a
// real codebase collection since sanitizeCollectionName never produces
// this suffix on its own.
const collectionLimitProbeSuffix = "__csync_limit_probe"

// CheckCollectionLimit creates and immediately drops a single-point
// dummy collection to probe whether the server is already at its
// configured collection-count limit. A limit breach surfaces in the
// create call's error message; any other failure propagates.
func (s *Store) CheckCollectionLimit(ctx context.Context) (bool, error) {
	probe := s.collection + collectionLimitProbeSuffix
	err := s.client.CreateCollection(ctx, &qdrantclient.CreateCollection{
		CollectionName: probe,
		VectorsConfig: qdrantclient.NewVectorsConfig(&qdrantclient.VectorParams{
			Size:     1,
			Distance: qdrantclient.Distance_Cosine,
		}),
	})
	if err != nil {
		if isCollectionLimitError(err) {
			return false, nil
		}
		return false, fmt.Errorf("probe qdrant collection limit: %w", err)
	}
	if err := s.client.DeleteCollection(ctx, probe); err != nil {
		return false, fmt.Errorf("drop qdrant limit probe collection: %w", err)
	}
	return true, nil
}

// isCollectionLimitError reports whether err is Qdrant's response to a
// collection-count quota breach rather than some other create failure.
func isCollectionLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "limit") || strings.Contains(msg, "quota") || strings.Contains(msg, "max")
}

// AtomicFileUpdate deletes the file's existing points (matched by
// payload filter, not by backing up in-process state, since Qdrant
// itself is the source of truth here) and upserts the new ones. If
// the upsert fails partway, the old points are already gone; callers
// relying on strict atomicity across a crash should prefer memstore
// or wrap this in a higher-level retry since Qdrant has no
// multi-operation transaction primitive exposed by this client.
func (s *Store) AtomicFileUpdate(ctx context.Context, update vectorstore.FileUpdate) error {
	if err := s.deleteByFilePath(ctx, update.Document.Path); err != nil {
		return fmt.Errorf("clear existing points for %s: %w", update.Document.Path, err)
	}

	points := make([]*qdrantclient.PointStruct, 0, len(update.Chunks))
	for _, c := range update.Chunks {
		points = append(points, &qdrantclient.PointStruct{
			Id:      pointID(c.ID),
			Vectors: qdrantclient.NewVectors(c.Vector...),
			Payload: qdrantclient.NewValueMap(map[string]any{
				payloadKeyChunkID:     c.ID,
				payloadKeyFilePath:    c.FilePath,
				payloadKeyStartLine:   int64(c.StartLine),
				payloadKeyEndLine:     int64(c.EndLine),
				payloadKeyContent:     c.Content,
				payloadKeyHash:        c.Hash,
				payloadKeyContentHash: c.ContentHash,
				payloadKeyUpdatedAt:   c.UpdatedAt.Unix(),
			}),
		})
	}

	if len(points) > 0 {
		if _, err := s.client.Upsert(ctx, &qdrantclient.UpsertPoints{
			CollectionName: s.collection,
			Points:         points,
		}); err != nil {
			return fmt.Errorf("upsert points for %s: %w", update.Document.Path, err)
		}
	}

	return nil
}

func (s *Store) BulkDelete(ctx context.Context, filePaths []string) error {
	for _, path := range filePaths {
		if err := s.deleteByFilePath(ctx, path); err != nil {
			return fmt.Errorf("delete points for %s: %w", path, err)
		}
	}
	return nil
}

func (s *Store) deleteByFilePath(ctx context.Context, filePath string) error {
	_, err := s.client.Delete(ctx, &qdrantclient.DeletePoints{
		CollectionName: s.collection,
		Points: qdrantclient.NewPointsSelectorFilter(&qdrantclient.Filter{
			Must: []*qdrantclient.Condition{
				qdrantclient.NewMatch(payloadKeyFilePath, filePath),
			},
		}),
	})
	return err
}

// HybridSearch runs a dense-only query whether or not queryText is
// empty: queryText only selects between VectorSearch and an equivalent
// dense Query call. This backend performs no sparse keyword ranking and
// no rank fusion.
func (s *Store) HybridSearch(ctx context.Context, queryVector []float32, queryText string, limit int) ([]vectorstore.SearchResult, error) {
	if queryText == "" {
		return s.VectorSearch(ctx, queryVector, limit)
	}

	lim := uint64(limit)
	points, err := s.client.Query(ctx, &qdrantclient.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrantclient.NewQuery(queryVector...),
		Limit:          &lim,
		WithPayload:    qdrantclient.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("hybrid search in %s: %w", s.collection, err)
	}
	return toSearchResults(points), nil
}

func (s *Store) VectorSearch(ctx context.Context, queryVector []float32, limit int) ([]vectorstore.SearchResult, error) {
	lim := uint64(limit)
	points, err := s.client.Query(ctx, &qdrantclient.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrantclient.NewQuery(queryVector...),
		Limit:          &lim,
		WithPayload:    qdrantclient.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search in %s: %w", s.collection, err)
	}
	return toSearchResults(points), nil
}

func toSearchResults(points []*qdrantclient.ScoredPoint) []vectorstore.SearchResult {
	results := make([]vectorstore.SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, vectorstore.SearchResult{
			Chunk: chunkFromPayload(p.Payload),
			Score: p.Score,
		})
	}
	return results
}

func chunkFromPayload(payload map[string]*qdrantclient.Value) vectorstore.Chunk {
	return vectorstore.Chunk{
		ID:          stringValue(payload, payloadKeyChunkID),
		FilePath:    stringValue(payload, payloadKeyFilePath),
		StartLine:   int(intValue(payload, payloadKeyStartLine)),
		EndLine:     int(intValue(payload, payloadKeyEndLine)),
		Content:     stringValue(payload, payloadKeyContent),
		Hash:        stringValue(payload, payloadKeyHash),
		ContentHash: stringValue(payload, payloadKeyContentHash),
	}
}

func stringValue(payload map[string]*qdrantclient.Value, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

func intValue(payload map[string]*qdrantclient.Value, key string) int64 {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	return v.GetIntegerValue()
}

func (s *Store) GetDocument(ctx context.Context, filePath string) (*vectorstore.Document, error) {
	chunks, err := s.GetChunksForFile(ctx, filePath)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	doc := &vectorstore.Document{Path: filePath, Hash: chunks[0].Hash}
	for _, c := range chunks {
		doc.ChunkIDs = append(doc.ChunkIDs, c.ID)
	}
	return doc, nil
}

func (s *Store) ListDocuments(ctx context.Context) ([]string, error) {
	chunks, err := s.GetAllChunks(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var paths []string
	for _, c := range chunks {
		if !seen[c.FilePath] {
			seen[c.FilePath] = true
			paths = append(paths, c.FilePath)
		}
	}
	return paths, nil
}

func (s *Store) GetChunksForFile(ctx context.Context, filePath string) ([]vectorstore.Chunk, error) {
	points, err := s.client.Scroll(ctx, &qdrantclient.ScrollPoints{
		CollectionName: s.collection,
		Filter: &qdrantclient.Filter{
			Must: []*qdrantclient.Condition{qdrantclient.NewMatch(payloadKeyFilePath, filePath)},
		},
		WithPayload: qdrantclient.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("scroll points for %s: %w", filePath, err)
	}
	chunks := make([]vectorstore.Chunk, 0, len(points))
	for _, p := range points {
		chunks = append(chunks, chunkFromPayload(p.Payload))
	}
	return chunks, nil
}

func (s *Store) GetAllChunks(ctx context.Context) ([]vectorstore.Chunk, error) {
	points, err := s.client.Scroll(ctx, &qdrantclient.ScrollPoints{
		CollectionName: s.collection,
		WithPayload:    qdrantclient.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("scroll all points in %s: %w", s.collection, err)
	}
	chunks := make([]vectorstore.Chunk, 0, len(points))
	for _, p := range points {
		chunks = append(chunks, chunkFromPayload(p.Payload))
	}
	return chunks, nil
}

func (s *Store) GetStats(ctx context.Context) (*vectorstore.Stats, error) {
	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return nil, fmt.Errorf("get qdrant collection info for %s: %w", s.collection, err)
	}
	docs, err := s.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	return &vectorstore.Stats{
		TotalFiles:  len(docs),
		TotalChunks: int(info.GetPointsCount()),
	}, nil
}

func (s *Store) ListFilesWithStats(ctx context.Context) ([]vectorstore.FileStats, error) {
	chunks, err := s.GetAllChunks(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, c := range chunks {
		counts[c.FilePath]++
	}
	stats := make([]vectorstore.FileStats, 0, len(counts))
	for path, n := range counts {
		stats = append(stats, vectorstore.FileStats{Path: path, ChunkCount: n})
	}
	return stats, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
