package model

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/calebwren/parley/internal/tokenizer"
)

// Spec is the on-disk model descriptor. It names the architecture, the
// shape parameters, and the vocabulary the runtime was built against.
type Spec struct {
	Arch          string              `json:"arch"`
	Hidden        int                 `json:"hidden"`
	ContextLength int                 `json:"context_length"`
	Seed          int64               `json:"seed"`
	Vocab         tokenizer.VocabSpec `json:"vocab"`
}

// Load reads a model spec file and constructs the runtime plus its
// tokenizer. Any failure is a *LoadError; startup aborts on it.
func Load(path string) (Runtime, *tokenizer.Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &LoadError{Path: path, Err: err}
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, nil, &LoadError{Path: path, Err: fmt.Errorf("parse spec: %w", err)}
	}
	return build(path, spec)
}

func build(path string, spec Spec) (Runtime, *tokenizer.Vocab, error) {
	vocab, err := tokenizer.NewVocab(spec.Vocab.Tokens, spec.Vocab.BOS, spec.Vocab.EOS)
	if err != nil {
		return nil, nil, &LoadError{Path: path, Err: err}
	}
	if spec.Hidden <= 0 {
		return nil, nil, &LoadError{Path: path, Err: fmt.Errorf("hidden size %d", spec.Hidden)}
	}
	if spec.ContextLength <= 0 {
		spec.ContextLength = 4096
	}
	switch spec.Arch {
	case "", "linear":
		return NewLinear(vocab.Size(), spec.Hidden, spec.ContextLength, spec.Seed), vocab, nil
	default:
		return nil, nil, &LoadError{Path: path, Err: fmt.Errorf("unsupported arch %q", spec.Arch)}
	}
}
