package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/calebwren/parley/internal/kv"
	"github.com/calebwren/parley/internal/logits"
	"github.com/calebwren/parley/internal/tokenizer"
)

// scriptRuntime is a fake model runtime whose argmax follows a fixed token
// script, one entry per decode step. It honors the cache contract so the
// engine's consistency behaviour is exercised for real.
type scriptRuntime struct {
	vocab  int
	ctxLen int
	script []int
	step   int
}

func (r *scriptRuntime) NewCache() *kv.Cache { return kv.NewCache(1, 1) }

func (r *scriptRuntime) VocabSize() int     { return r.vocab }
func (r *scriptRuntime) ContextLength() int { return r.ctxLen }

func (r *scriptRuntime) Forward(tokens []int, cache *kv.Cache) ([]float32, error) {
	n := len(tokens)
	k := make([]float32, n)
	v := make([]float32, n)
	if err := cache.Extend(cache.Len(), [][]float32{k}, [][]float32{v}); err != nil {
		return nil, err
	}
	logitsVec := make([]float32, r.vocab)
	want := 0
	if r.step < len(r.script) {
		want = r.script[r.step]
	}
	r.step++
	logitsVec[want] = 10
	return logitsVec, nil
}

func ids(s string) []int {
	out := make([]int, len(s))
	for i := range s {
		out[i] = int(s[i])
	}
	return out
}

func newScript(emit string, then ...int) *scriptRuntime {
	script := ids(emit)
	script = append(script, then...)
	return &scriptRuntime{vocab: 258, ctxLen: 512, script: script}
}

func greedy() Params {
	return Params{Sampling: logits.Config{Temperature: 0}}
}

func TestStopOnNewlineSequence(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := newScript("4\nmore")
	e := New(rt, tok)

	p := greedy()
	p.MaxNewTokens = 8
	p.StopSequences = []string{"\n"}

	cache := rt.NewCache()
	var streamed string
	res, err := e.Generate(context.Background(), cache, ids("What is 2+2?"), p, func(f string) {
		streamed += f
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != FinishStopSequence {
		t.Fatalf("reason = %s, want stop_sequence", res.Reason)
	}
	if res.Text != "4" {
		t.Fatalf("text = %q, want %q", res.Text, "4")
	}
	if streamed != res.Text {
		t.Fatalf("streamed %q != committed %q", streamed, res.Text)
	}
	if res.Stats.TokensGenerated > 8 {
		t.Fatalf("generated %d tokens past the cap", res.Stats.TokensGenerated)
	}
}

func TestStopSequenceSpanningFragments(t *testing.T) {
	tok := tokenizer.ByteVocab()
	rt := newScript("xabz")
	e := New(rt, tok)

	p := greedy()
	p.MaxNewTokens = 10
	p.StopSequences = []string{"ab"}

	var streamed strings.Builder
	res, err := e.Generate(context.Background(), rt.NewCache(), ids("q"), p, func(frag string) {
		streamed.WriteString(frag)
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != FinishStopSequence || res.Text != "x" {
		t.Fatalf("got (%s, %q), want (stop_sequence, \"x\")", res.Reason, res.Text)
	}
	// The "a" opened a possible "ab" match, so it must never reach the
	// stream once "b" completes it.
	if streamed.String() != res.Text {
		t.Fatalf("streamed %q, committed %q", streamed.String(), res.Text)
	}
}

func TestStreamReleasesRuledOutStopPrefix(t *testing.T) {
	tok := tokenizer.ByteVocab()
	rt := newScript("xacz")
	e := New(rt, tok)

	p := greedy()
	p.MaxNewTokens = 4
	p.StopSequences = []string{"ab"}

	var frags []string
	res, err := e.Generate(context.Background(), rt.NewCache(), ids("q"), p, func(frag string) {
		frags = append(frags, frag)
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "xacz" {
		t.Fatalf("text = %q, want %q", res.Text, "xacz")
	}
	if got := strings.Join(frags, ""); got != res.Text {
		t.Fatalf("streamed %q, committed %q", got, res.Text)
	}
	// "a" is withheld until "c" rules out the "ab" match.
	if frags[0] != "x" || frags[1] != "ac" {
		t.Fatalf("fragments = %q, want [\"x\" \"ac\" \"z\"]", frags)
	}
}

func TestStreamFlushesHeldTailOnStopToken(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := newScript("xa", 257)
	e := New(rt, tok)

	p := greedy()
	p.MaxNewTokens = 10
	p.StopSequences = []string{"ab"}
	p.StopTokens = []int{257}

	var streamed strings.Builder
	res, err := e.Generate(context.Background(), rt.NewCache(), ids("q"), p, func(frag string) {
		streamed.WriteString(frag)
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != FinishCompleted || res.Text != "xa" {
		t.Fatalf("got (%s, %q), want (completed, \"xa\")", res.Reason, res.Text)
	}
	if streamed.String() != res.Text {
		t.Fatalf("streamed %q, committed %q", streamed.String(), res.Text)
	}
}

func TestMaxNewTokens(t *testing.T) {
	tok := tokenizer.ByteVocab()
	rt := newScript("aaaaaaaaaaaaaaaa")
	e := New(rt, tok)

	p := greedy()
	p.MaxNewTokens = 5

	cache := rt.NewCache()
	res, err := e.Generate(context.Background(), cache, ids("hi"), p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != FinishMaxTokens {
		t.Fatalf("reason = %s, want max_tokens", res.Reason)
	}
	if res.Stats.TokensGenerated != 5 || res.Text != "aaaaa" {
		t.Fatalf("generated %d %q", res.Stats.TokensGenerated, res.Text)
	}
	if cache.Len() != len("hi")+5 {
		t.Fatalf("cache len = %d, want %d", cache.Len(), len("hi")+5)
	}
}

func TestEndOfSequenceToken(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := newScript("ok", tok.EOS())
	e := New(rt, tok)

	p := greedy()
	p.MaxNewTokens = 10
	p.StopTokens = []int{tok.EOS()}

	cache := rt.NewCache()
	res, err := e.Generate(context.Background(), cache, ids("q"), p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != FinishCompleted || res.Text != "ok" {
		t.Fatalf("got (%s, %q), want (completed, \"ok\")", res.Reason, res.Text)
	}
	// The EOS token is never fed through the runtime.
	if cache.Len() != 1+2 {
		t.Fatalf("cache len = %d, want 3", cache.Len())
	}
}

func TestCancellationLeavesCacheConsistent(t *testing.T) {
	tok := tokenizer.ByteVocab()
	rt := newScript("aaaaaaaaaaaaaaaaaaaa")
	e := New(rt, tok)

	ctx, cancel := context.WithCancel(context.Background())
	fragments := 0
	p := greedy()
	p.MaxNewTokens = 20

	cache := rt.NewCache()
	promptLen := 3
	res, err := e.Generate(ctx, cache, ids("abc"), p, func(string) {
		fragments++
		if fragments == 4 {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if res.Reason != FinishCancelled {
		t.Fatalf("reason = %s, want cancelled", res.Reason)
	}
	if got := cache.Len(); got != promptLen+res.Stats.TokensGenerated {
		t.Fatalf("cache len %d != consumed %d", got, promptLen+res.Stats.TokensGenerated)
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	tok := tokenizer.ByteVocab()
	rt := newScript("a")
	e := New(rt, tok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cache := rt.NewCache()
	res, err := e.Generate(ctx, cache, ids("x"), greedy(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != FinishCancelled {
		t.Fatalf("reason = %s, want cancelled", res.Reason)
	}
	if cache.Len() != 0 {
		t.Fatalf("cache extended before start: %d", cache.Len())
	}
}

func TestEmptyPromptFails(t *testing.T) {
	tok := tokenizer.ByteVocab()
	e := New(newScript("a"), tok)
	res, err := e.Generate(context.Background(), kv.NewCache(1, 1), nil, greedy(), nil)
	if err == nil || res.Reason != FinishFailed {
		t.Fatalf("got (%v, %v)", res.Reason, err)
	}
}
