package api

import (
	"context"
	"errors"
	"sync"

	"github.com/calebwren/parley/internal/engine"
	"github.com/calebwren/parley/internal/logits"
	"github.com/calebwren/parley/internal/model"
	"github.com/calebwren/parley/internal/prompt"
	"github.com/calebwren/parley/internal/tokenizer"
)

// Overrides carries per-request sampling knobs from the HTTP layer.
// Nil fields fall back to the completer's defaults.
type Overrides struct {
	Temperature   *float64
	TopP          *float64
	Seed          *int64
	RepeatPenalty *float64
	MaxTokens     *int
	Stop          []string
}

// Completer turns a finished conversation into one assistant reply.
// Each call is independent: the server keeps no per-client state.
type Completer interface {
	Complete(ctx context.Context, turns []prompt.Turn, ov Overrides, stream engine.StreamFunc) (*engine.Result, error)
}

// Defaults are the generation settings a request may override.
type Defaults struct {
	Sampling      logits.Config
	MaxNewTokens  int
	StopSequences []string
	StopTokens    []int
}

// Local runs completions against an in-process runtime. The runtime is
// a single-writer resource, so requests are serialized under mu; each
// one still gets its own cache.
type Local struct {
	mu       sync.Mutex
	rt       model.Runtime
	tok      tokenizer.Tokenizer
	tmpl     prompt.Template
	bos      int
	defaults Defaults
}

func NewLocal(rt model.Runtime, tok tokenizer.Tokenizer, tmpl prompt.Template, bos int, defaults Defaults) *Local {
	return &Local{rt: rt, tok: tok, tmpl: tmpl, bos: bos, defaults: defaults}
}

func (l *Local) Complete(ctx context.Context, turns []prompt.Turn, ov Overrides, stream engine.StreamFunc) (*engine.Result, error) {
	if len(turns) == 0 {
		return nil, errors.New("messages is required and must not be empty")
	}
	last := turns[len(turns)-1]
	if last.Role != prompt.RoleUser {
		return nil, errors.New("last message must have role user")
	}

	builder := prompt.NewBuilder(l.tok, l.tmpl, l.rt.ContextLength(), l.bos)
	ids, err := builder.Build(turns[:len(turns)-1], nil, last.Content, 0)
	if err != nil {
		return nil, err
	}

	params := engine.Params{
		Sampling:      l.defaults.Sampling,
		MaxNewTokens:  l.defaults.MaxNewTokens,
		StopSequences: l.defaults.StopSequences,
		StopTokens:    l.defaults.StopTokens,
	}
	if ov.Temperature != nil {
		params.Sampling.Temperature = float32(*ov.Temperature)
	}
	if ov.TopP != nil {
		params.Sampling.TopP = float32(*ov.TopP)
	}
	if ov.Seed != nil {
		params.Sampling.Seed = *ov.Seed
	}
	if ov.RepeatPenalty != nil {
		params.Sampling.RepeatPenalty = float32(*ov.RepeatPenalty)
	}
	if ov.MaxTokens != nil {
		params.MaxNewTokens = *ov.MaxTokens
	}
	if len(ov.Stop) > 0 {
		params.StopSequences = ov.Stop
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return engine.New(l.rt, l.tok).Generate(ctx, l.rt.NewCache(), ids, params, stream)
}
