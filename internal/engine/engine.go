// Package engine drives the per-turn token production loop: one batched
// prefill pass, then single-token decode steps until a stop condition.
package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/calebwren/parley/internal/kv"
	"github.com/calebwren/parley/internal/logits"
	"github.com/calebwren/parley/internal/model"
	"github.com/calebwren/parley/internal/tokenizer"
)

// FinishReason classifies why a turn's decode loop stopped.
type FinishReason string

const (
	FinishCompleted    FinishReason = "completed"     // end-of-sequence token
	FinishStopSequence FinishReason = "stop_sequence" // configured text pattern
	FinishMaxTokens    FinishReason = "max_tokens"    // per-turn cap reached
	FinishCancelled    FinishReason = "cancelled"     // cooperative cancellation
	FinishFailed       FinishReason = "failed"        // runtime or sampler error
)

// Params configures one generation turn.
type Params struct {
	Sampling      logits.Config
	MaxNewTokens  int      // hard cap on produced tokens; <=0 means context-bound
	StopSequences []string // literal text patterns ending the turn early
	StopTokens    []int    // token ids ending the turn (EOS and friends)
}

// Stats reports turn throughput.
type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
}

// Result is the terminal outcome of a turn. Err is set only when Reason is
// FinishFailed; cancellation is a normal terminal state, not an error.
type Result struct {
	Text   string
	Tokens []int
	Reason FinishReason
	Err    error
	Stats  Stats
}

// StreamFunc receives decoded text fragments in generation order.
type StreamFunc func(fragment string)

// Engine orchestrates the runtime, sampler, and tokenizer for single turns.
// It borrows the session's cache per call and retains no reference to it.
type Engine struct {
	rt  model.Runtime
	tok tokenizer.Tokenizer
}

// New returns an engine over the given runtime and tokenizer.
func New(rt model.Runtime, tok tokenizer.Tokenizer) *Engine {
	return &Engine{rt: rt, tok: tok}
}

// Generate runs one assistant turn. prompt must be a contiguous
// continuation of cache. Fragments are streamed in order as they decode;
// text that could still begin a stop-sequence match is held back until
// ruled out, so the stream never delivers bytes absent from Result.Text.
// Cancellation is observed at decode-step granularity and always leaves
// cache length equal to the tokens actually consumed.
func (e *Engine) Generate(ctx context.Context, cache *kv.Cache, prompt []int, p Params, stream StreamFunc) (*Result, error) {
	if len(prompt) == 0 {
		return fail(fmt.Errorf("engine: empty prompt")), fmt.Errorf("engine: empty prompt")
	}
	res := &Result{Stats: Stats{PromptTokens: len(prompt)}}
	start := time.Now()
	defer func() {
		res.Stats.Duration = time.Since(start)
		if s := res.Stats.Duration.Seconds(); s > 0 {
			res.Stats.TPS = float64(res.Stats.TokensGenerated) / s
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Reason = FinishCancelled
		return res, nil
	}

	logitsVec, err := e.rt.Forward(prompt, cache)
	if err != nil {
		res.Reason = FinishFailed
		res.Err = fmt.Errorf("engine: prefill: %w", err)
		return res, res.Err
	}

	sampler := logits.NewSampler(p.Sampling)
	maxNew := p.MaxNewTokens
	if maxNew <= 0 {
		maxNew = e.rt.ContextLength() - cache.Len()
	}
	maxStop := 0
	for _, s := range p.StopSequences {
		if len(s) > maxStop {
			maxStop = len(s)
		}
	}

	recent := slices.Clone(prompt)
	streamed := 0 // bytes of res.Text already delivered
	defer func() {
		// Held-back bytes belong to the result whenever no stop
		// sequence consumed them.
		if stream != nil && len(res.Text) > streamed {
			stream(res.Text[streamed:])
		}
	}()

	for res.Stats.TokensGenerated < maxNew {
		if err := ctx.Err(); err != nil {
			res.Reason = FinishCancelled
			return res, nil
		}
		if cache.Len() >= e.rt.ContextLength() {
			res.Reason = FinishMaxTokens
			break
		}

		next, err := sampler.Sample(logitsVec, recent, p.StopTokens)
		if err != nil {
			res.Reason = FinishFailed
			res.Err = fmt.Errorf("engine: sample: %w", err)
			return res, res.Err
		}
		if slices.Contains(p.StopTokens, next) {
			res.Reason = FinishCompleted
			break
		}

		frag, err := e.tok.Decode([]int{next})
		if err != nil {
			res.Reason = FinishFailed
			res.Err = fmt.Errorf("engine: decode token %d: %w", next, err)
			return res, res.Err
		}

		candidate := res.Text + frag
		if cut, hit := findStop(candidate, p.StopSequences, len(res.Text)-maxStop); hit {
			if stream != nil && cut > streamed {
				stream(candidate[streamed:cut])
			}
			res.Text = candidate[:cut]
			streamed = len(res.Text)
			res.Reason = FinishStopSequence
			break
		}
		res.Text = candidate
		if stream != nil {
			if safe := len(res.Text) - stopHold(res.Text, p.StopSequences); safe > streamed {
				stream(res.Text[streamed:safe])
				streamed = safe
			}
		}

		res.Tokens = append(res.Tokens, next)
		recent = append(recent, next)
		res.Stats.TokensGenerated++

		logitsVec, err = e.rt.Forward([]int{next}, cache)
		if err != nil {
			res.Reason = FinishFailed
			res.Err = fmt.Errorf("engine: decode step %d: %w", res.Stats.TokensGenerated, err)
			return res, res.Err
		}
	}

	if res.Reason == "" {
		res.Reason = FinishMaxTokens
	}
	return res, nil
}

func fail(err error) *Result {
	return &Result{Reason: FinishFailed, Err: err}
}

// findStop searches text for the earliest stop-sequence match at or past
// from, returning the match offset. from may be negative.
func findStop(text string, stops []string, from int) (int, bool) {
	if from < 0 {
		from = 0
	}
	best := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text[from:], s); i >= 0 {
			if best == -1 || from+i < best {
				best = from + i
			}
		}
	}
	return best, best >= 0
}

// stopHold reports how many trailing bytes of text form a proper prefix
// of some stop sequence and so cannot be streamed yet.
func stopHold(text string, stops []string) int {
	hold := 0
	for _, s := range stops {
		if len(s) < 2 {
			continue
		}
		n := len(s) - 1
		if n > len(text) {
			n = len(text)
		}
		for l := n; l > hold; l-- {
			if strings.HasSuffix(text, s[:l]) {
				hold = l
				break
			}
		}
	}
	return hold
}
