// Package logits turns a model's output distribution into a chosen token.
package logits

import (
	"errors"
	"math"
	"math/rand"
)

// ErrExhausted reports that filtering removed every candidate token. With
// clamped config bounds this should not happen; it is surfaced instead of
// silently picking an undefined token.
var ErrExhausted = errors.New("logits: no candidates left after filtering")

// Config controls sampling behaviour.
//
// Temperature 0 selects greedy argmax and bypasses the top-k/top-p stages.
// RepeatPenalty follows the llama.cpp convention: logits of recently emitted
// tokens are divided by the penalty when positive and multiplied when
// negative. RepeatLastN bounds the penalized window.
type Config struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Sampler draws tokens from logit vectors. It keeps scratch buffers between
// calls so the per-token path does not allocate. A Sampler is not safe for
// concurrent use; each generation turn owns one.
type Sampler struct {
	rng    *rand.Rand
	cfg    Config
	greedy bool

	shortIdx []int
	shortVal []float32
	prob     []float64

	// seen-token marking uses an epoch counter so the mark slice never
	// needs clearing between calls.
	seenMark  []uint32
	seenEpoch uint32
}

// NewSampler returns a sampler with cfg's out-of-range values clamped to
// safe defaults. Identical seeds and inputs produce identical outputs.
func NewSampler(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if greedy {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.MinP < 0 || cfg.MinP >= 1 {
		cfg.MinP = 0
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Greedy reports whether the sampler always returns the argmax token.
func (s *Sampler) Greedy() bool { return s.greedy }

// Sample selects the next token id. recent is the bounded window of already
// emitted tokens used for the repetition penalty; ids in noPenalty (stop and
// end-of-sequence markers) are exempt from it. logits is scratch space and
// may be modified in place.
func (s *Sampler) Sample(logits []float32, recent []int, noPenalty []int) (int, error) {
	if len(logits) == 0 {
		return 0, ErrExhausted
	}

	s.penalizeRepeats(logits, recent, noPenalty)

	if s.greedy {
		return argmax(logits), nil
	}

	k := min(s.cfg.TopK, len(logits))
	idx, val := s.shortlist(logits, k, 1/s.cfg.Temperature)
	if len(idx) == 0 {
		return 0, ErrExhausted
	}

	prob := s.softmax(val)

	// Min-p floor relative to the best candidate.
	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		kept := 0
		var sum float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[kept] = prob[i]
				idx[kept] = idx[i]
				sum += prob[i]
				kept++
			}
		}
		if kept == 0 {
			return 0, ErrExhausted
		}
		prob = prob[:kept]
		idx = idx[:kept]
		if sum > 0 {
			scale := 1 / sum
			for i := range prob {
				prob[i] *= scale
			}
		}
	}

	// Nucleus cutoff: smallest probability-sorted prefix whose cumulative
	// mass reaches top-p. The top candidate is always included.
	cut := len(prob)
	if s.cfg.TopP < 1 {
		var cum float64
		for i := range prob {
			cum += prob[i]
			if float32(cum) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var cum float64
	for i := 0; i < cut; i++ {
		cum += prob[i]
		if r <= cum {
			return idx[i], nil
		}
	}
	return idx[cut-1], nil
}

func (s *Sampler) penalizeRepeats(logits []float32, recent, noPenalty []int) {
	if s.cfg.RepeatPenalty <= 1 || len(recent) == 0 {
		return
	}
	start := max(len(recent)-s.cfg.RepeatLastN, 0)
	window := recent[start:]

	if len(s.seenMark) < len(logits) {
		s.seenMark = make([]uint32, len(logits))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	for _, id := range window {
		if id >= 0 && id < len(logits) {
			s.seenMark[id] = s.seenEpoch
		}
	}
	for _, id := range noPenalty {
		if id >= 0 && id < len(logits) {
			s.seenMark[id] = 0
		}
	}
	for id := range logits {
		if s.seenMark[id] != s.seenEpoch {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// shortlist returns the indices and temperature-scaled values of the k
// largest logits, ordered descending. Insertion into a small sorted slice is
// O(V*k), fine for the k values used in practice.
func (s *Sampler) shortlist(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.shortIdx) < k+1 {
		s.shortIdx = make([]int, 0, k+1)
		s.shortVal = make([]float32, 0, k+1)
	}
	idx := s.shortIdx[:0]
	val := s.shortVal[:0]

	for i, l := range logits {
		v := l * invTemp
		pos := len(val)
		for pos > 0 && val[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		val = append(val, 0)
		copy(idx[pos+1:], idx[pos:])
		copy(val[pos+1:], val[pos:])
		idx[pos] = i
		val[pos] = v
		if len(val) > k {
			idx = idx[:k]
			val = val[:k]
		}
	}
	s.shortIdx = idx
	s.shortVal = val
	return idx, val
}

// softmax normalizes the shortlist into probabilities, subtracting the max
// for numerical stability. val is ordered descending so val[0] is the max.
func (s *Sampler) softmax(val []float32) []float64 {
	if cap(s.prob) < len(val) {
		s.prob = make([]float64, len(val))
	}
	prob := s.prob[:len(val)]
	maxv := val[0]
	var sum float64
	for i := range val {
		e := math.Exp(float64(val[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range prob {
			prob[i] *= inv
		}
	}
	return prob
}

func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
