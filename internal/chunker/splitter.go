package chunker

// Splitter combines AST-aware chunking with the character-based
// fallback, presenting the single entry point the indexer uses
// regardless of which strategy actually produced a file's chunks.
type Splitter struct {
	ast      *ASTChunker
	fallback *Chunker
}

// NewSplitter builds a Splitter with a default language registry.
func NewSplitter(chunkSize, overlap int) *Splitter {
	fallback := NewChunker(chunkSize, overlap)
	return &Splitter{
		ast:      NewASTChunker(DefaultRegistry(), fallback),
		fallback: fallback,
	}
}

// Split chunks a file's content, preferring AST-aware chunking for
// languages with a registered grammar. mode selects the requested
// strategy: "ast" (default) tries AST first and falls back silently;
// "char" always uses the character splitter. Any other value is
// treated as "ast" — an unrecognized strategy request should degrade
// gracefully rather than fail the whole index run.
func (s *Splitter) Split(path, content, mode string) []ChunkInfo {
	if mode == "char" {
		return s.fallback.Chunk(path, content)
	}
	if chunks, ok := s.ast.Chunk(path, content); ok {
		return chunks
	}
	return s.fallback.Chunk(path, content)
}

// SplitWithContext behaves like Split but adds the file-path context
// header to whichever chunk set is produced, matching the header the
// character-based ChunkWithContext adds.
func (s *Splitter) SplitWithContext(path, content, mode string) []ChunkInfo {
	chunks := s.Split(path, content, mode)
	if len(chunks) == 0 {
		return chunks
	}
	header := "File: " + path + "\n\n"
	for i := range chunks {
		chunks[i].Content = header + chunks[i].Content
		chunks[i].Hash = hashContent(chunks[i].Content)
		chunks[i].ContentHash = chunks[i].Hash
	}
	return chunks
}

// ReChunk delegates to the character-based fallback, since a chunk
// that already overflowed a context window needs a strictly smaller,
// predictable split rather than another AST pass.
func (s *Splitter) ReChunk(parent ChunkInfo, parentIndex int) []ChunkInfo {
	return s.fallback.ReChunk(parent, parentIndex)
}
