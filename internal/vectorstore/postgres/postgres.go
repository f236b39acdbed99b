// Package postgres adapts a Postgres table with the pgvector extension
// to vectorstore.Store, for deployments that already run Postgres and
// would rather not stand up a separate vector database.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgvectorpgx "github.com/pgvector/pgvector-go/pgx"

	"github.com/tinker495/csync/internal/vectorstore"
)

// Options configures a Store's connection and table.
type Options struct {
	DSN   string
	Table string // unquoted table name for this codebase's chunks
}

// Store adapts one Postgres table to vectorstore.Store.
type Store struct {
	pool  *pgxpool.Pool
	table string
	dims  int
}

// Open connects to Postgres and registers the pgvector type on every
// pooled connection. It does not create the table; callers must call
// CreateCollection or check HasCollection first.
func Open(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgvectorpgx.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return &Store{pool: pool, table: pgx.Identifier{opts.Table}.Sanitize()}, nil
}

func (s *Store) HasCollection(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
		trimQuotes(s.table),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s exists: %w", s.table, err)
	}
	return exists, nil
}

func (s *Store) CreateCollection(ctx context.Context, dimensions int) error {
	s.dims = dimensions

	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("ensure vector extension: %w", err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id UUID PRIMARY KEY,
		chunk_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		start_line INT NOT NULL,
		end_line INT NOT NULL,
		content TEXT NOT NULL,
		hash TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		embedding VECTOR(%d) NOT NULL
	)`, s.table, dimensions)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	indexDDL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
		pgx.Identifier{trimQuotes(s.table) + "_embedding_idx"}.Sanitize(), s.table,
	)
	if _, err := s.pool.Exec(ctx, indexDDL); err != nil {
		return fmt.Errorf("create vector index on %s: %w", s.table, err)
	}

	fileIndexDDL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (file_path)`,
		pgx.Identifier{trimQuotes(s.table) + "_file_path_idx"}.Sanitize(), s.table,
	)
	if _, err := s.pool.Exec(ctx, fileIndexDDL); err != nil {
		return fmt.Errorf("create file_path index on %s: %w", s.table, err)
	}

	return nil
}

func (s *Store) DropCollection(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table)); err != nil {
		return fmt.Errorf("drop table %s: %w", s.table, err)
	}
	return nil
}

// AtomicFileUpdate replaces one file's rows inside a single
// transaction: the delete and the batch insert either both commit or
// both roll back.
func (s *Store) AtomicFileUpdate(ctx context.Context, update vectorstore.FileUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE file_path = $1`, s.table), update.Document.Path); err != nil {
		return fmt.Errorf("clear existing rows for %s: %w", update.Document.Path, err)
	}

	batch := &pgx.Batch{}
	insertSQL := fmt.Sprintf(`INSERT INTO %s
		(id, chunk_id, file_path, start_line, end_line, content, hash, content_hash, updated_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.table)
	for _, c := range update.Chunks {
		updatedAt := c.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		batch.Queue(insertSQL,
			rowID(c.ID), c.ID, c.FilePath, c.StartLine, c.EndLine, c.Content, c.Hash, c.ContentHash,
			updatedAt, pgvector.NewVector(c.Vector),
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range update.Chunks {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert chunk row for %s: %w", update.Document.Path, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch for %s: %w", update.Document.Path, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit file update for %s: %w", update.Document.Path, err)
	}
	return nil
}

func (s *Store) BulkDelete(ctx context.Context, filePaths []string) error {
	if len(filePaths) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE file_path = ANY($1)`, s.table), filePaths)
	if err != nil {
		return fmt.Errorf("bulk delete from %s: %w", s.table, err)
	}
	return nil
}

// HybridSearch runs a dense cosine-distance query and a sparse
// full-text query separately, then fuses them in Go with reciprocal
// rank fusion, mirroring memstore's approach rather than leaning on
// Postgres-specific fusion SQL so the two backends stay behaviorally
// aligned.
func (s *Store) HybridSearch(ctx context.Context, queryVector []float32, queryText string, limit int) ([]vectorstore.SearchResult, error) {
	if queryText == "" {
		return s.VectorSearch(ctx, queryVector, limit)
	}

	denseRank := 4 * limit
	if denseRank < 50 {
		denseRank = 50
	}

	dense, err := s.rankByVector(ctx, queryVector, denseRank)
	if err != nil {
		return nil, err
	}
	sparse, err := s.rankByText(ctx, queryText, denseRank)
	if err != nil {
		return nil, err
	}

	fused := make(map[string]vectorstore.SearchResult, len(dense))
	for rank, r := range dense {
		e := fused[r.Chunk.ID]
		e.Chunk = r.Chunk
		e.Score += 1.0 / float32(vectorstore.ReciprocalRankFusionK+rank+1)
		fused[r.Chunk.ID] = e
	}
	for rank, r := range sparse {
		e := fused[r.Chunk.ID]
		e.Chunk = r.Chunk
		e.Score += 1.0 / float32(vectorstore.ReciprocalRankFusionK+rank+1)
		fused[r.Chunk.ID] = e
	}

	results := make([]vectorstore.SearchResult, 0, len(fused))
	for _, r := range fused {
		results = append(results, r)
	}
	sortByScoreDesc(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) VectorSearch(ctx context.Context, queryVector []float32, limit int) ([]vectorstore.SearchResult, error) {
	return s.rankByVector(ctx, queryVector, limit)
}

func (s *Store) rankByVector(ctx context.Context, queryVector []float32, limit int) ([]vectorstore.SearchResult, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT chunk_id, file_path, start_line, end_line, content, hash, content_hash, updated_at,
			1 - (embedding <=> $1) AS score
		 FROM %s ORDER BY embedding <=> $1 LIMIT $2`, s.table),
		pgvector.NewVector(queryVector), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search in %s: %w", s.table, err)
	}
	defer rows.Close()
	return scanResults(rows)
}

func (s *Store) rankByText(ctx context.Context, queryText string, limit int) ([]vectorstore.SearchResult, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT chunk_id, file_path, start_line, end_line, content, hash, content_hash, updated_at,
			ts_rank_cd(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
		 FROM %s WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC LIMIT $2`, s.table),
		queryText, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("text search in %s: %w", s.table, err)
	}
	defer rows.Close()
	return scanResults(rows)
}

func scanResults(rows pgx.Rows) ([]vectorstore.SearchResult, error) {
	var results []vectorstore.SearchResult
	for rows.Next() {
		var c vectorstore.Chunk
		var score float32
		if err := rows.Scan(&c.ID, &c.FilePath, &c.StartLine, &c.EndLine, &c.Content, &c.Hash, &c.ContentHash, &c.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, vectorstore.SearchResult{Chunk: c, Score: score})
	}
	return results, rows.Err()
}

func sortByScoreDesc(results []vectorstore.SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func (s *Store) GetDocument(ctx context.Context, filePath string) (*vectorstore.Document, error) {
	chunks, err := s.GetChunksForFile(ctx, filePath)
	if err != nil || len(chunks) == 0 {
		return nil, err
	}
	doc := &vectorstore.Document{Path: filePath, Hash: chunks[0].Hash}
	for _, c := range chunks {
		doc.ChunkIDs = append(doc.ChunkIDs, c.ID)
	}
	return doc, nil
}

func (s *Store) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT file_path FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list documents in %s: %w", s.table, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *Store) GetChunksForFile(ctx context.Context, filePath string) ([]vectorstore.Chunk, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT chunk_id, file_path, start_line, end_line, content, hash, content_hash, updated_at FROM %s WHERE file_path = $1`,
		s.table), filePath)
	if err != nil {
		return nil, fmt.Errorf("get chunks for %s: %w", filePath, err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *Store) GetAllChunks(ctx context.Context) ([]vectorstore.Chunk, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT chunk_id, file_path, start_line, end_line, content, hash, content_hash, updated_at FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("get all chunks from %s: %w", s.table, err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows pgx.Rows) ([]vectorstore.Chunk, error) {
	var chunks []vectorstore.Chunk
	for rows.Next() {
		var c vectorstore.Chunk
		if err := rows.Scan(&c.ID, &c.FilePath, &c.StartLine, &c.EndLine, &c.Content, &c.Hash, &c.ContentHash, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *Store) GetStats(ctx context.Context) (*vectorstore.Stats, error) {
	var totalChunks, totalFiles int
	var lastUpdated time.Time
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*), COUNT(DISTINCT file_path), COALESCE(MAX(updated_at), 'epoch') FROM %s`, s.table),
	).Scan(&totalChunks, &totalFiles, &lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("get stats for %s: %w", s.table, err)
	}
	return &vectorstore.Stats{TotalFiles: totalFiles, TotalChunks: totalChunks, LastUpdated: lastUpdated}, nil
}

func (s *Store) ListFilesWithStats(ctx context.Context) ([]vectorstore.FileStats, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT file_path, COUNT(*), MAX(updated_at) FROM %s GROUP BY file_path`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list file stats for %s: %w", s.table, err)
	}
	defer rows.Close()

	var stats []vectorstore.FileStats
	for rows.Next() {
		var fs vectorstore.FileStats
		if err := rows.Scan(&fs.Path, &fs.ChunkCount, &fs.ModTime); err != nil {
			return nil, err
		}
		stats = append(stats, fs)
	}
	return stats, rows.Err()
}

// ListCollections enumerates every csync-managed table in the
// database, not just this Store's own.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_name LIKE 'csync\_%' ESCAPE '\'`)
	if err != nil {
		return nil, fmt.Errorf("list postgres collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// collectionLimitProbeTable is the throwaway table
// CheckCollectionLimit creates and drops.
const collectionLimitProbeTable = "csync_limit_probe"

// CheckCollectionLimit creates and immediately drops a dummy table to
// probe server-side capacity. Postgres has no inherent collection-count
// quota, so this only returns false if the server itself reports one
// (e.g. a managed instance capping relation count); any other failure
// propagates.
func (s *Store) CheckCollectionLimit(ctx context.Context) (bool, error) {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id INT)`, collectionLimitProbeTable))
	if err != nil {
		if isCollectionLimitError(err) {
			return false, nil
		}
		return false, fmt.Errorf("probe postgres collection limit: %w", err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, collectionLimitProbeTable)); err != nil {
		return false, fmt.Errorf("drop postgres limit probe table: %w", err)
	}
	return true, nil
}

// isCollectionLimitError reports whether err is the server's response
// to a relation-count quota breach rather than some other DDL failure.
func isCollectionLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "limit") || strings.Contains(msg, "quota") || strings.Contains(msg, "max")
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func rowID(chunkID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID))
}

func trimQuotes(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}
