// Package chunkindexer turns a file's content into stored, embedded
// chunks: split, check the embedding cache, embed whatever is left,
// re-chunk on a context-length rejection, and persist the result as an
// atomic file update against a vectorstore.Store.
package chunkindexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tinker495/csync/internal/chunker"
	"github.com/tinker495/csync/internal/embedder"
	"github.com/tinker495/csync/internal/vectorstore"
)

// maxReChunkAttempts bounds how many times a single oversized chunk is
// split before the file is given up on.
const maxReChunkAttempts = 3

// DefaultChunkBudget is the default maximum number of chunks a single
// Workflow A (full index) run will create before stopping early.
const DefaultChunkBudget = 450_000

// File is one file's content ready for chunking.
type File struct {
	Path    string
	Content string
	Hash    string
	ModTime time.Time
}

// Result summarizes one IndexFiles call.
type Result struct {
	FilesIndexed  int
	ChunksCreated int
	LimitReached  bool
}

// DefaultEmbedParallelism bounds how many concurrent Embed calls a
// non-batching provider's sub-batch issues at once (spec's
// batch_file_updates concurrency default).
const DefaultEmbedParallelism = 5

// Indexer chunks, embeds, and persists files against a Store.
type Indexer struct {
	store       vectorstore.Store
	embedder    embedder.Embedder
	splitter    *chunker.Splitter
	splitMode   string
	maxBatch    int
	parallelism int
}

// New creates an Indexer. splitMode is "ast" or "char" (see
// chunker.Splitter.Split); maxBatch bounds how many chunk texts are
// sent to the embedder in one request when it supports batching.
// parallelism bounds concurrent Embed calls issued against a
// non-batching provider within one sub-batch; 0 uses
// DefaultEmbedParallelism.
func New(store vectorstore.Store, emb embedder.Embedder, splitter *chunker.Splitter, splitMode string, maxBatch int, parallelism int) *Indexer {
	if maxBatch <= 0 {
		maxBatch = 64
	}
	if parallelism <= 0 {
		parallelism = DefaultEmbedParallelism
	}
	return &Indexer{store: store, embedder: emb, splitter: splitter, splitMode: splitMode, maxBatch: maxBatch, parallelism: parallelism}
}

// IndexFiles indexes files in order, stopping once budget chunks have
// been created in total across the call. A file that would cross the
// budget boundary is truncated to its first N chunks so the run ends
// at exactly budget chunks created, never over.
func (idx *Indexer) IndexFiles(ctx context.Context, files []File, budget int) (*Result, error) {
	result := &Result{}
	remaining := budget

	for _, f := range files {
		if budget > 0 && remaining <= 0 {
			result.LimitReached = true
			break
		}

		fileCap := remaining
		if budget <= 0 {
			fileCap = 0 // unlimited
		}
		created, truncated, err := idx.indexFile(ctx, f, fileCap)
		if err != nil {
			log.Printf("chunkindexer: failed to index %s: %v", f.Path, err)
			continue
		}

		result.FilesIndexed++
		result.ChunksCreated += created
		if budget > 0 {
			remaining -= created
		}
		if truncated {
			result.LimitReached = true
			break
		}
	}

	return result, nil
}

// Splitter returns the splitter an override Indexer can reuse when
// only splitMode needs to change.
func (idx *Indexer) Splitter() *chunker.Splitter { return idx.splitter }

// Embedder returns the embedder an override Indexer can reuse.
func (idx *Indexer) Embedder() embedder.Embedder { return idx.embedder }

// MaxBatch returns the configured embed batch size.
func (idx *Indexer) MaxBatch() int { return idx.maxBatch }

// Parallelism returns the configured embed concurrency.
func (idx *Indexer) Parallelism() int { return idx.parallelism }

// IndexFile indexes a single file with no chunk budget, used by the
// single-file-update workflow where the per-run budget does not apply.
func (idx *Indexer) IndexFile(ctx context.Context, f File) (int, error) {
	created, _, err := idx.indexFile(ctx, f, 0)
	return created, err
}

// IndexFileWithBudget indexes a single file, truncating its chunk set
// to maxChunks (0 means unlimited). Used by callers that need to
// interleave per-file bookkeeping (hashstore commits, progress
// callbacks) between files rather than handing the whole file list to
// IndexFiles at once.
func (idx *Indexer) IndexFileWithBudget(ctx context.Context, f File, maxChunks int) (created int, truncated bool, err error) {
	return idx.indexFile(ctx, f, maxChunks)
}

// indexFile does the chunk/embed/persist work for one file. maxChunks
// of 0 means unlimited; a positive maxChunks truncates the file's
// chunk set to its first maxChunks entries and reports truncated=true.
func (idx *Indexer) indexFile(ctx context.Context, f File, maxChunks int) (created int, truncated bool, err error) {
	chunkInfos := idx.splitter.SplitWithContext(f.Path, f.Content, idx.splitMode)
	if len(chunkInfos) == 0 {
		if err := idx.store.BulkDelete(ctx, []string{f.Path}); err != nil {
			return 0, false, fmt.Errorf("clear chunks for empty file %s: %w", f.Path, err)
		}
		return 0, false, nil
	}

	if maxChunks > 0 && len(chunkInfos) > maxChunks {
		chunkInfos = chunkInfos[:maxChunks]
		truncated = true
	}

	vectors, finalChunks, err := idx.embedWithCache(ctx, chunkInfos)
	if err != nil {
		return 0, false, fmt.Errorf("embed chunks for %s: %w", f.Path, err)
	}

	now := time.Now()
	storeChunks := make([]vectorstore.Chunk, len(finalChunks))
	chunkIDs := make([]string, len(finalChunks))
	for i, info := range finalChunks {
		id := stableChunkID(f.Path, info.StartLine, info.EndLine, info.Content)
		storeChunks[i] = vectorstore.Chunk{
			ID:          id,
			FilePath:    f.Path,
			StartLine:   info.StartLine,
			EndLine:     info.EndLine,
			Content:     info.Content,
			Vector:      vectors[i],
			Hash:        info.Hash,
			ContentHash: info.ContentHash,
			UpdatedAt:   now,
		}
		chunkIDs[i] = id
	}

	update := vectorstore.FileUpdate{
		Document: vectorstore.Document{Path: f.Path, Hash: f.Hash, ModTime: f.ModTime, ChunkIDs: chunkIDs},
		Chunks:   storeChunks,
	}
	if err := idx.store.AtomicFileUpdate(ctx, update); err != nil {
		return 0, false, fmt.Errorf("persist chunks for %s: %w", f.Path, err)
	}

	return len(storeChunks), truncated, nil
}

// embedWithCache looks up each chunk's content hash in the store's
// optional embedding cache, embeds whatever is left (re-chunking any
// chunk the embedder rejects for exceeding its context window), and
// returns the vectors and the chunk set they correspond to (which can
// differ from the input chunks when re-chunking occurred).
func (idx *Indexer) embedWithCache(ctx context.Context, chunks []chunker.ChunkInfo) ([][]float32, []chunker.ChunkInfo, error) {
	cache, hasCache := idx.store.(vectorstore.EmbeddingCache)

	cached := make(map[int][]float32)
	if hasCache {
		for i, c := range chunks {
			if c.ContentHash == "" {
				continue
			}
			vec, found, err := cache.LookupByContentHash(ctx, c.ContentHash)
			if err != nil {
				log.Printf("chunkindexer: cache lookup failed: %v", err)
				continue
			}
			if found {
				cached[i] = vec
			}
		}
	}

	var uncached []chunker.ChunkInfo
	for i, c := range chunks {
		if _, ok := cached[i]; !ok {
			uncached = append(uncached, c)
		}
	}

	var uncachedVectors [][]float32
	var finalUncached []chunker.ChunkInfo
	if len(uncached) > 0 {
		var err error
		uncachedVectors, finalUncached, err = idx.embedWithReChunking(ctx, uncached)
		if err != nil {
			return nil, nil, err
		}
	}

	if len(cached) == 0 {
		return uncachedVectors, finalUncached, nil
	}
	if len(uncached) == 0 {
		vectors := make([][]float32, len(chunks))
		for i := range chunks {
			vectors[i] = cached[i]
		}
		return vectors, chunks, nil
	}

	// Re-chunking may have changed the uncached set's shape, so a
	// precise positional merge isn't possible; append cached chunks
	// first, then whatever embedding produced for the rest.
	vectors := make([][]float32, 0, len(chunks))
	finalChunks := make([]chunker.ChunkInfo, 0, len(chunks))
	for i, c := range chunks {
		if vec, ok := cached[i]; ok {
			vectors = append(vectors, vec)
			finalChunks = append(finalChunks, c)
		}
	}
	vectors = append(vectors, uncachedVectors...)
	finalChunks = append(finalChunks, finalUncached...)
	return vectors, finalChunks, nil
}

// embedWithReChunking embeds chunks, splitting requests at idx.maxBatch
// and, when a request fails with a context-length error, narrowing
// down to the individual oversized chunk by splitting its sub-batch in
// half and retrying each half, repeatedly, before re-chunking just that
// chunk and retrying.
// There is no per-chunk index on the wire error (providers reject the
// whole request at once), so isolating the culprit this way is the
// only reliable option available to the caller.
func (idx *Indexer) embedWithReChunking(ctx context.Context, chunks []chunker.ChunkInfo) ([][]float32, []chunker.ChunkInfo, error) {
	batchEmb, isBatch := idx.embedder.(embedder.BatchEmbedder)

	embedTexts := func(texts []string) ([][]float32, error) {
		if isBatch {
			return batchEmb.EmbedBatch(ctx, texts)
		}

		vecs := make([][]float32, len(texts))
		sem := semaphore.NewWeighted(int64(idx.parallelism))
		g, gctx := errgroup.WithContext(ctx)
		for i, t := range texts {
			i, t := i, t
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				v, err := idx.embedder.Embed(gctx, t)
				if err != nil {
					return err
				}
				vecs[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return vecs, nil
	}

	var allVectors [][]float32
	var finalChunks []chunker.ChunkInfo

	batchSize := idx.maxBatch
	if batchSize <= 0 {
		batchSize = len(chunks)
	}
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		vecs, cs, err := idx.embedSubBatchWithReChunking(ctx, chunks[start:end], embedTexts, 0)
		if err != nil {
			return nil, nil, err
		}
		allVectors = append(allVectors, vecs...)
		finalChunks = append(finalChunks, cs...)
	}
	return allVectors, finalChunks, nil
}

// embedSubBatchWithReChunking embeds a single sub-batch. On a
// context-length rejection with more than one chunk, it splits the
// sub-batch in half and recurses, converging on the individual
// oversized chunk; a rejected single-chunk sub-batch is re-chunked and
// its pieces embedded in place, up to maxReChunkAttempts deep.
func (idx *Indexer) embedSubBatchWithReChunking(
	ctx context.Context,
	chunks []chunker.ChunkInfo,
	embedTexts func([]string) ([][]float32, error),
	depth int,
) ([][]float32, []chunker.ChunkInfo, error) {
	if len(chunks) == 0 {
		return nil, nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := embedTexts(texts)
	if err == nil {
		return vectors, chunks, nil
	}

	if _, isCtxErr := embedder.AsContextLengthError(err); !isCtxErr {
		return nil, nil, err
	}

	if len(chunks) > 1 {
		mid := len(chunks) / 2
		leftVecs, leftChunks, err := idx.embedSubBatchWithReChunking(ctx, chunks[:mid], embedTexts, depth)
		if err != nil {
			return nil, nil, err
		}
		rightVecs, rightChunks, err := idx.embedSubBatchWithReChunking(ctx, chunks[mid:], embedTexts, depth)
		if err != nil {
			return nil, nil, err
		}
		return append(leftVecs, rightVecs...), append(leftChunks, rightChunks...), nil
	}

	if depth >= maxReChunkAttempts {
		return nil, nil, fmt.Errorf("exceeded maximum re-chunk attempts (%d) for %s", maxReChunkAttempts, chunks[0].FilePath)
	}

	subChunks := idx.splitter.ReChunk(chunks[0], 0)
	if len(subChunks) == 0 {
		return nil, nil, fmt.Errorf("re-chunking produced no chunks for %s", chunks[0].FilePath)
	}
	log.Printf("chunkindexer: split oversized chunk of %s into %d sub-chunks (attempt %d/%d)",
		chunks[0].FilePath, len(subChunks), depth+1, maxReChunkAttempts)

	var allVectors [][]float32
	var allChunks []chunker.ChunkInfo
	for _, sub := range subChunks {
		vecs, cs, err := idx.embedSubBatchWithReChunking(ctx, []chunker.ChunkInfo{sub}, embedTexts, depth+1)
		if err != nil {
			return nil, nil, err
		}
		allVectors = append(allVectors, vecs...)
		allChunks = append(allChunks, cs...)
	}
	return allVectors, allChunks, nil
}

// RemoveFile deletes a file's chunks from the store.
func (idx *Indexer) RemoveFile(ctx context.Context, path string) error {
	return idx.store.BulkDelete(ctx, []string{path})
}

// stableChunkID derives a persisted chunk ID from exactly the fields
// spec identity requires: relative path, line range, and content —
// not the internal chunker.ChunkInfo.ID, which exists only to let
// ReChunk produce predictable sub-chunk names.
func stableChunkID(relativePath string, startLine, endLine int, content string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00", relativePath, startLine, endLine)
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
