// Package kv owns per-session key/value cache buffers for autoregressive
// decoding. The cache length always equals the number of tokens the model
// runtime has consumed for the session; Extend enforces that invariant.
package kv

import (
	"errors"
	"fmt"
)

// ErrCacheConsistency reports an Extend call whose starting position does not
// match the number of already-cached positions. This is an internal invariant
// violation; the owning session must reset.
var ErrCacheConsistency = errors.New("kv: extend not contiguous with cached positions")

const initialPositions = 64

// Cache accumulates per-layer key and value vectors, one pair per consumed
// token position. Buffers grow by doubling so repeated single-token extends
// do not reallocate per token.
type Cache struct {
	layers  int
	headDim int
	length  int // cached positions
	keys    [][]float32
	values  [][]float32
}

// NewCache returns an empty cache for a model with the given layer count and
// per-position vector width.
func NewCache(layers, headDim int) *Cache {
	c := &Cache{
		layers:  layers,
		headDim: headDim,
		keys:    make([][]float32, layers),
		values:  make([][]float32, layers),
	}
	for i := range c.keys {
		c.keys[i] = make([]float32, 0, initialPositions*headDim)
		c.values[i] = make([]float32, 0, initialPositions*headDim)
	}
	return c
}

// Len returns the number of cached positions.
func (c *Cache) Len() int { return c.length }

// Layers returns the layer count the cache was built for.
func (c *Cache) Layers() int { return c.layers }

// HeadDim returns the per-position vector width.
func (c *Cache) HeadDim() int { return c.headDim }

// Extend appends the key/value vectors computed for a contiguous run of new
// tokens. start must equal Len(): the new tokens continue exactly where the
// runtime left off, no gaps and no reordering. keys and values carry one
// slice per layer, each holding n positions of headDim floats.
func (c *Cache) Extend(start int, keys, values [][]float32) error {
	if start != c.length {
		return fmt.Errorf("%w: start=%d cached=%d", ErrCacheConsistency, start, c.length)
	}
	if len(keys) != c.layers || len(values) != c.layers {
		return fmt.Errorf("kv: extend carries %d/%d layers, cache has %d", len(keys), len(values), c.layers)
	}
	n := -1
	for l := 0; l < c.layers; l++ {
		if len(keys[l]) != len(values[l]) || len(keys[l])%c.headDim != 0 {
			return fmt.Errorf("kv: layer %d extend has mismatched shape", l)
		}
		ln := len(keys[l]) / c.headDim
		if n == -1 {
			n = ln
		} else if ln != n {
			return fmt.Errorf("kv: layer %d extends %d positions, layer 0 extends %d", l, ln, n)
		}
	}
	if n <= 0 {
		return nil
	}
	for l := 0; l < c.layers; l++ {
		c.keys[l] = appendGrow(c.keys[l], keys[l])
		c.values[l] = appendGrow(c.values[l], values[l])
	}
	c.length += n
	return nil
}

// Layer returns views of the cached key and value vectors for one layer.
// The slices alias internal buffers and are valid until the next Extend or
// Reset; callers must not retain them across turns.
func (c *Cache) Layer(i int) (k, v []float32) {
	return c.keys[i], c.values[i]
}

// Reset discards all cached positions. Capacity is retained.
func (c *Cache) Reset() {
	for i := range c.keys {
		c.keys[i] = c.keys[i][:0]
		c.values[i] = c.values[i][:0]
	}
	c.length = 0
}

// appendGrow appends src to dst, doubling capacity when full so growth stays
// amortized rather than per-token.
func appendGrow(dst, src []float32) []float32 {
	need := len(dst) + len(src)
	if need > cap(dst) {
		newCap := cap(dst) * 2
		if newCap < need {
			newCap = need
		}
		grown := make([]float32, len(dst), newCap)
		copy(grown, dst)
		dst = grown
	}
	return append(dst, src...)
}
