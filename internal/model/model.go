// Package model defines the runtime capability boundary between the chat
// engine and the tensor backend, plus a small deterministic reference
// runtime used by the CLI's built-in backend and by tests.
package model

import (
	"fmt"

	"github.com/calebwren/parley/internal/kv"
)

// Runtime produces next-token logits from token ids plus prior cache state.
// Implementations back onto an external tensor/compute library; the engine
// never sees tensors, only logits and the cache handle.
//
// A Runtime is not safe for concurrent use on a single cache. The session
// owns both for the duration of a turn.
type Runtime interface {
	// Forward consumes tokens as a strictly contiguous continuation of
	// cache and returns the logits for the final position. It must extend
	// cache with exactly one position per consumed token, and must support
	// both multi-token (prefill) and single-token (decode) shapes.
	Forward(tokens []int, cache *kv.Cache) ([]float32, error)

	// NewCache returns an empty cache shaped for this runtime.
	NewCache() *kv.Cache

	VocabSize() int
	ContextLength() int
}

// LoadError reports a fatal model-load failure. Startup aborts on it.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("model: load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
