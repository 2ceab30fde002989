package contextstore

import "strings"

// Sliding window over whitespace-separated tokens.
const (
	chunkSize    = 500
	chunkOverlap = 50
)

// ChunkText splits text into overlapping windows of whitespace tokens. The
// final window may be shorter; zero tokens produce zero chunks.
func ChunkText(text string) []string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) <= chunkSize {
		return []string{strings.Join(tokens, " ")}
	}

	step := chunkSize - chunkOverlap
	var chunks []string
	for start := 0; start < len(tokens); start += step {
		end := start + chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, strings.Join(tokens[start:end], " "))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}
