package kv

import (
	"errors"
	"testing"
)

func vecs(layers, positions, headDim int, fill float32) ([][]float32, [][]float32) {
	keys := make([][]float32, layers)
	values := make([][]float32, layers)
	for l := range keys {
		keys[l] = make([]float32, positions*headDim)
		values[l] = make([]float32, positions*headDim)
		for i := range keys[l] {
			keys[l][i] = fill
			values[l][i] = -fill
		}
	}
	return keys, values
}

func TestExtendAccumulatesLength(t *testing.T) {
	c := NewCache(2, 4)
	runs := []int{3, 1, 1, 5}
	total := 0
	for _, n := range runs {
		k, v := vecs(2, n, 4, float32(n))
		if err := c.Extend(total, k, v); err != nil {
			t.Fatalf("extend %d positions at %d: %v", n, total, err)
		}
		total += n
		if c.Len() != total {
			t.Fatalf("Len() = %d, want %d", c.Len(), total)
		}
	}
	k, _ := c.Layer(0)
	if len(k) != total*4 {
		t.Fatalf("layer 0 holds %d floats, want %d", len(k), total*4)
	}
}

func TestExtendOutOfOrderFails(t *testing.T) {
	c := NewCache(1, 2)
	k, v := vecs(1, 2, 2, 1)
	if err := c.Extend(0, k, v); err != nil {
		t.Fatalf("initial extend: %v", err)
	}

	cases := []struct {
		name  string
		start int
	}{
		{"gap", 3},
		{"rewind", 1},
		{"restart", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k, v := vecs(1, 1, 2, 9)
			err := c.Extend(tc.start, k, v)
			if !errors.Is(err, ErrCacheConsistency) {
				t.Fatalf("extend at %d: got %v, want ErrCacheConsistency", tc.start, err)
			}
			if c.Len() != 2 {
				t.Fatalf("failed extend mutated cache: Len() = %d", c.Len())
			}
		})
	}
}

func TestExtendShapeMismatchFails(t *testing.T) {
	c := NewCache(2, 4)
	k, v := vecs(1, 1, 4, 1) // wrong layer count
	if err := c.Extend(0, k, v); err == nil {
		t.Fatal("expected error for wrong layer count")
	}
	k, v = vecs(2, 1, 3, 1) // width not a multiple of headDim
	if err := c.Extend(0, k, v); err == nil {
		t.Fatal("expected error for misaligned vector width")
	}
}

func TestResetClearsPositions(t *testing.T) {
	c := NewCache(1, 2)
	k, v := vecs(1, 8, 2, 1)
	if err := c.Extend(0, k, v); err != nil {
		t.Fatal(err)
	}
	c.Reset()
	if c.Len() != 0 {
		t.Fatalf("Len() after reset = %d", c.Len())
	}
	// A fresh extend from position 0 must succeed.
	k, v = vecs(1, 1, 2, 2)
	if err := c.Extend(0, k, v); err != nil {
		t.Fatalf("extend after reset: %v", err)
	}
}

func TestManagerPerSessionIsolation(t *testing.T) {
	m := NewManager(1, 2)
	a := m.Acquire("a")
	b := m.Acquire("b")
	if a == b {
		t.Fatal("sessions share a cache")
	}
	k, v := vecs(1, 4, 2, 1)
	if err := a.Extend(0, k, v); err != nil {
		t.Fatal(err)
	}
	if got := m.Length("a"); got != 4 {
		t.Fatalf("Length(a) = %d, want 4", got)
	}
	if got := m.Length("b"); got != 0 {
		t.Fatalf("Length(b) = %d, want 0", got)
	}
	m.Reset("a")
	if got := m.Length("a"); got != 0 {
		t.Fatalf("Length(a) after reset = %d", got)
	}
	if m.Acquire("a") != a {
		t.Fatal("reset replaced the cache instance")
	}
	m.Drop("a")
	if m.Acquire("a") == a {
		t.Fatal("drop did not release the cache instance")
	}
}
