package model

import (
	"fmt"
	"math"

	"github.com/calebwren/parley/internal/kv"
)

// Linear is a single-layer attention language model with deterministic
// seed-derived weights. It is small enough to run on the CPU in tests yet
// exercises the full runtime contract: logits at each position depend on
// every cached key/value, so cache consistency bugs surface as wrong output
// rather than passing silently.
type Linear struct {
	vocab  int
	hidden int
	ctxLen int

	emb []float32 // [vocab x hidden]
	wq  []float32 // [hidden x hidden]
	wk  []float32
	wv  []float32
	wo  []float32 // [hidden x vocab]

	h, q, k, v, attn []float32 // scratch
}

// NewLinear builds a reference runtime with weights derived from seed.
func NewLinear(vocab, hidden, ctxLen int, seed int64) *Linear {
	m := &Linear{
		vocab:  vocab,
		hidden: hidden,
		ctxLen: ctxLen,
		emb:    fillRand(vocab*hidden, seed+11),
		wq:     fillRand(hidden*hidden, seed+23),
		wk:     fillRand(hidden*hidden, seed+37),
		wv:     fillRand(hidden*hidden, seed+53),
		wo:     fillRand(hidden*vocab, seed+71),
		h:      make([]float32, hidden),
		q:      make([]float32, hidden),
		k:      make([]float32, hidden),
		v:      make([]float32, hidden),
		attn:   make([]float32, hidden),
	}
	return m
}

func (m *Linear) VocabSize() int     { return m.vocab }
func (m *Linear) ContextLength() int { return m.ctxLen }

// NewCache returns a cache shaped for this runtime's single layer.
func (m *Linear) NewCache() *kv.Cache { return kv.NewCache(1, m.hidden) }

// Forward runs the attention layer over tokens, extending cache by one
// position per token, and returns logits for the last position.
func (m *Linear) Forward(tokens []int, cache *kv.Cache) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("model: forward on empty token batch")
	}
	if cache == nil {
		return nil, fmt.Errorf("model: forward without cache")
	}
	start := cache.Len()
	if start+len(tokens) > m.ctxLen {
		return nil, fmt.Errorf("model: %d tokens exceed context length %d", start+len(tokens), m.ctxLen)
	}

	cachedK, cachedV := cache.Layer(0)
	newK := make([]float32, 0, len(tokens)*m.hidden)
	newV := make([]float32, 0, len(tokens)*m.hidden)

	var logits []float32
	for bi, tok := range tokens {
		if tok < 0 || tok >= m.vocab {
			return nil, fmt.Errorf("model: token %d outside vocabulary of %d", tok, m.vocab)
		}
		copy(m.h, m.emb[tok*m.hidden:(tok+1)*m.hidden])
		matvec(m.q, m.wq, m.h, m.hidden, m.hidden)
		matvec(m.k, m.wk, m.h, m.hidden, m.hidden)
		matvec(m.v, m.wv, m.h, m.hidden, m.hidden)
		newK = append(newK, m.k...)
		newV = append(newV, m.v...)

		m.attend(cachedK, cachedV, newK, newV)
		for i := range m.hidden {
			m.h[i] += m.attn[i]
		}

		if bi == len(tokens)-1 {
			logits = make([]float32, m.vocab)
			matvec(logits, m.wo, m.h, m.hidden, m.vocab)
		}
	}

	if err := cache.Extend(start, [][]float32{newK}, [][]float32{newV}); err != nil {
		return nil, err
	}
	return logits, nil
}

// attend computes softmax attention of the current query over all cached and
// batch-local positions, writing the context vector into m.attn.
func (m *Linear) attend(cachedK, cachedV, newK, newV []float32) {
	positions := (len(cachedK) + len(newK)) / m.hidden
	scale := 1 / float32(math.Sqrt(float64(m.hidden)))

	scores := make([]float32, positions)
	at := func(buf []float32, pos int) []float32 {
		return buf[pos*m.hidden : (pos+1)*m.hidden]
	}
	cached := len(cachedK) / m.hidden
	keyAt := func(pos int) []float32 {
		if pos < cached {
			return at(cachedK, pos)
		}
		return at(newK, pos-cached)
	}
	valAt := func(pos int) []float32 {
		if pos < cached {
			return at(cachedV, pos)
		}
		return at(newV, pos-cached)
	}

	maxScore := float32(math.Inf(-1))
	for p := 0; p < positions; p++ {
		var dot float32
		key := keyAt(p)
		for i := range m.hidden {
			dot += m.q[i] * key[i]
		}
		scores[p] = dot * scale
		if scores[p] > maxScore {
			maxScore = scores[p]
		}
	}
	var sum float32
	for p := range scores {
		scores[p] = float32(math.Exp(float64(scores[p] - maxScore)))
		sum += scores[p]
	}
	clear(m.attn)
	if sum == 0 {
		return
	}
	for p := 0; p < positions; p++ {
		w := scores[p] / sum
		val := valAt(p)
		for i := range m.hidden {
			m.attn[i] += w * val[i]
		}
	}
}

// matvec computes out = x * W for W laid out row-major [rows x cols].
func matvec(out, w, x []float32, rows, cols int) {
	for j := 0; j < cols; j++ {
		var sum float32
		for i := 0; i < rows; i++ {
			sum += x[i] * w[i*cols+j]
		}
		out[j] = sum
	}
}

// fillRand fills a weight slice with small deterministic values from a
// splitmix-style generator, keeping runtimes reproducible across runs.
func fillRand(n int, seed int64) []float32 {
	out := make([]float32, n)
	state := uint64(seed)
	for i := range out {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		out[i] = (float32(z%2000)/1000 - 1) * 0.1
	}
	return out
}
