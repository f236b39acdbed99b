// Package embedder adapts third-party embedding providers to a common
// interface used by the chunk indexer, and implements the
// content-length failure classification the indexer relies on to
// decide when a chunk needs to be re-chunked and retried.
package embedder

import (
	"context"
	"errors"
	"fmt"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Close() error
	Ping(ctx context.Context) error
}

// BatchEmbedder is an optional capability: providers that can embed
// many texts in one round trip implement it, and the indexer prefers
// it over calling Embed in a loop.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ContextLengthError indicates a provider rejected input because it
// exceeded the model's context window. The indexer uses this to
// decide whether to re-chunk and retry, rather than fail the file.
type ContextLengthError struct {
	Provider string
	Err      error
}

func (e *ContextLengthError) Error() string {
	return fmt.Sprintf("%s: input exceeds context length: %v", e.Provider, e.Err)
}

func (e *ContextLengthError) Unwrap() error { return e.Err }

// AsContextLengthError reports whether err is, or wraps, a
// ContextLengthError.
func AsContextLengthError(err error) (*ContextLengthError, bool) {
	var cle *ContextLengthError
	if errors.As(err, &cle) {
		return cle, true
	}
	return nil, false
}

// FileChunks groups the chunk texts belonging to one file, keeping
// them together as a single unit for cross-file batch embedding so a
// partial batch failure can be attributed back to the right file.
type FileChunks struct {
	FilePath string
	Texts    []string
	// Cached marks entries whose vector was already resolved via the
	// embedding cache; Vectors[i] is valid when Cached[i] is true.
	Cached  []bool
	Vectors [][]float32
}

// FormBatches packs pending (uncached) texts across files into
// batches of at most maxBatchSize texts, without splitting a single
// file's texts across more batches than necessary. It returns the
// batches plus a parallel slice that maps each batch entry back to
// (fileIndex, chunkIndex) in files, so MapResultsToFiles can scatter
// results back to the right place after embedding.
func FormBatches(files []FileChunks, maxBatchSize int) ([][]string, [][]BatchRef) {
	if maxBatchSize <= 0 {
		maxBatchSize = 1
	}

	var batches [][]string
	var refs [][]BatchRef
	var curBatch []string
	var curRefs []BatchRef

	for fi, fc := range files {
		for ci, text := range fc.Texts {
			if fc.Cached != nil && fc.Cached[ci] {
				continue
			}
			curBatch = append(curBatch, text)
			curRefs = append(curRefs, BatchRef{FileIndex: fi, ChunkIndex: ci})
			if len(curBatch) >= maxBatchSize {
				batches = append(batches, curBatch)
				refs = append(refs, curRefs)
				curBatch = nil
				curRefs = nil
			}
		}
	}
	if len(curBatch) > 0 {
		batches = append(batches, curBatch)
		refs = append(refs, curRefs)
	}
	return batches, refs
}

// BatchRef locates one text's origin within the file batch that
// FormBatches packed it from.
type BatchRef struct {
	FileIndex  int
	ChunkIndex int
}

// EmbedBatches embeds every batch in sequence, stopping at the first
// error. Splitting into EmbedBatches (rather than embedding everything
// in one call) lets a caller retry a single failed batch with smaller
// batches instead of discarding already-successful work.
func EmbedBatches(ctx context.Context, be BatchEmbedder, batches [][]string) ([][][]float32, error) {
	results := make([][][]float32, len(batches))
	for i, batch := range batches {
		vecs, err := be.EmbedBatch(ctx, batch)
		if err != nil {
			return results, fmt.Errorf("embed batch %d/%d: %w", i+1, len(batches), err)
		}
		results[i] = vecs
	}
	return results, nil
}

// MapResultsToFiles scatters batch embedding results back into each
// file's Vectors slice using the refs produced by FormBatches.
func MapResultsToFiles(files []FileChunks, refs [][]BatchRef, results [][][]float32) {
	for bi, batchRefs := range refs {
		for ri, ref := range batchRefs {
			if bi >= len(results) || ri >= len(results[bi]) {
				continue
			}
			fc := &files[ref.FileIndex]
			if fc.Vectors == nil {
				fc.Vectors = make([][]float32, len(fc.Texts))
			}
			fc.Vectors[ref.ChunkIndex] = results[bi][ri]
		}
	}
}
