package chunker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// maxASTChunkBytes bounds a single AST-captured definition; anything
// larger is handed to the character splitter instead of being kept as
// one oversized chunk.
const maxASTChunkBytes = 8192

// ASTChunker extracts one chunk per top-level definition captured by a
// language's tree-sitter query, falling back to the character-based
// Chunker for definitions that don't fit the size budget and for
// files with no registered grammar.
type ASTChunker struct {
	registry *Registry
	fallback *Chunker
}

// NewASTChunker creates an AST-aware chunker. fallback handles files
// with no registered grammar and definitions exceeding the AST size
// budget.
func NewASTChunker(registry *Registry, fallback *Chunker) *ASTChunker {
	return &ASTChunker{registry: registry, fallback: fallback}
}

// Chunk parses path's content with its registered grammar and returns
// one ChunkInfo per captured definition. If no grammar is registered,
// it returns (nil, false) so the caller can fall back explicitly; on a
// parse or query error, or when the query captures no definitions, it
// returns the character-based fallback chunks with usedAST=false, since
// a malformed file is still worth indexing character-wise.
func (c *ASTChunker) Chunk(path, content string) (chunks []ChunkInfo, usedAST bool) {
	spec, lang := c.registry.Lookup(path)
	if spec == nil {
		return nil, false
	}

	src := []byte(content)
	parser := sitter.NewParser()
	parser.SetLanguage(spec.Language)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return c.fallback.Chunk(path, content), false
	}
	defer tree.Close()

	q, err := sitter.NewQuery([]byte(spec.Query), spec.Language)
	if err != nil {
		return c.fallback.Chunk(path, content), false
	}
	defer q.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, tree.RootNode())

	var caps []astCapture
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		var node *sitter.Node
		var name string
		for _, cap := range m.Captures {
			switch q.CaptureNameForId(cap.Index) {
			case "chunk":
				node = cap.Node
			case "name":
				name = cap.Node.Content(src)
			}
		}
		if node == nil {
			continue
		}
		caps = append(caps, astCapture{
			name:      name,
			kind:      node.Type(),
			startLine: int(node.StartPoint().Row) + 1,
			endLine:   int(node.EndPoint().Row) + 1,
			startByte: node.StartByte(),
			endByte:   node.EndByte(),
		})
	}

	if len(caps) == 0 {
		return c.fallback.Chunk(path, content), false
	}

	caps = dedupCaptures(caps)
	lines := strings.Split(content, "\n")

	idx := 0
	for _, cap := range caps {
		text := extractLines(path, lang, cap, lines)
		if len(text) > maxASTChunkBytes {
			for _, sub := range c.fallback.chunkWindow(path, text, c.fallback.chunkSize, c.fallback.overlap, cap.startLine-1) {
				sub.ID = fmt.Sprintf("%s_%d", path, idx)
				idx++
				chunks = append(chunks, sub)
			}
			continue
		}
		chunks = append(chunks, ChunkInfo{
			ID:          fmt.Sprintf("%s_%d", path, idx),
			FilePath:    path,
			StartLine:   cap.startLine,
			EndLine:     cap.endLine,
			Content:     text,
			Hash:        hashContent(text),
			ContentHash: hashContent(text),
		})
		idx++
	}
	return chunks, true
}

type astCapture struct {
	name      string
	kind      string
	startLine int
	endLine   int
	startByte uint32
	endByte   uint32
}

// dedupCaptures keeps only the outermost node when captures overlap,
// e.g. a method inside a class the query also captures at the class
// level would otherwise be indexed twice.
func dedupCaptures(caps []astCapture) []astCapture {
	if len(caps) <= 1 {
		return caps
	}
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].startByte != caps[j].startByte {
			return caps[i].startByte < caps[j].startByte
		}
		return (caps[i].endByte - caps[i].startByte) > (caps[j].endByte - caps[j].startByte)
	})

	var kept []astCapture
	var lastEnd uint32
	for _, c := range caps {
		if c.startByte >= lastEnd || lastEnd == 0 {
			kept = append(kept, c)
			if c.endByte > lastEnd {
				lastEnd = c.endByte
			}
		}
	}
	return kept
}

func extractLines(path, lang string, cap astCapture, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "// File: %s\n", path)
	fmt.Fprintf(&b, "// Language: %s\n", lang)
	if cap.name != "" {
		fmt.Fprintf(&b, "// %s: %s\n", cap.kind, cap.name)
	}
	start := cap.startLine - 1
	end := cap.endLine
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}
	for i := start; i < end; i++ {
		b.WriteString(lines[i])
		if i < end-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
