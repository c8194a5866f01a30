// Package rag keeps a vector index of project files in sync with the
// working directory.
package rag

import "strings"

// Chunk is one indexable slice of a file.
type Chunk struct {
	Content   string
	StartLine int
	EndLine   int
	Index     int
	Total     int
}

// Chunker splits content by lines into overlapping chunks. Chunks never
// split mid-line; overlap preserves context across boundaries.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker builds a chunker with the given size and overlap in bytes.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk splits content into overlapping line-aligned chunks.
func (c *Chunker) Chunk(content string) []Chunk {
	if content == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	totalLines := len(lines)

	if len(content) <= c.size {
		return []Chunk{{
			Content:   content,
			StartLine: 1,
			EndLine:   totalLines,
			Index:     0,
			Total:     1,
		}}
	}

	var chunks []Chunk
	var current strings.Builder
	chunkStartLine := 1
	currentLine := 1

	for _, line := range lines {
		lineWithNewline := line + "\n"
		current.WriteString(lineWithNewline)

		if current.Len() >= c.size {
			chunks = append(chunks, Chunk{
				Content:   current.String(),
				StartLine: chunkStartLine,
				EndLine:   currentLine,
				Index:     len(chunks),
			})

			// Walk backwards to seed the next chunk with overlap.
			overlapSize := 0
			overlapStart := currentLine + 1
			var overlapLines []string
			for i := currentLine; i >= chunkStartLine && overlapSize < c.overlap; i-- {
				overlapLine := lines[i-1] + "\n"
				overlapSize += len(overlapLine)
				overlapLines = append([]string{overlapLine}, overlapLines...)
				overlapStart = i
			}

			current.Reset()
			for _, l := range overlapLines {
				current.WriteString(l)
			}
			chunkStartLine = overlapStart
		}
		currentLine++
	}

	if strings.TrimSpace(current.String()) != "" || len(chunks) == 0 {
		chunks = append(chunks, Chunk{
			Content:   current.String(),
			StartLine: chunkStartLine,
			EndLine:   totalLines,
			Index:     len(chunks),
		})
	}

	total := len(chunks)
	for i := range chunks {
		chunks[i].Total = total
	}
	return chunks
}
