// Package retrieval augments prompts with passages pulled from a local
// vector index. Retrieval failures degrade gracefully: a turn proceeds
// without context rather than failing.
package retrieval

import (
	"context"
	"errors"
)

// ErrUnavailable wraps retrieval backend failures. Callers log it at warning
// level and continue without context.
var ErrUnavailable = errors.New("retrieval: backend unavailable")

// Passage is one retrieved context snippet. Consumed once by the prompt
// builder; not persisted beyond the turn.
type Passage struct {
	ID     string
	Source string
	Text   string
	Score  float64
}

// Retriever exposes similarity search over an indexed corpus. Results are
// ordered by score descending with ties broken by source identifier, so
// retrieval is deterministic for a fixed index.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
	Close() error
}

// Embedder maps text into the index's vector space. Dim reports the
// vector width so a store can verify it against the indexed corpus.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}
