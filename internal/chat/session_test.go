package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/calebwren/parley/internal/engine"
	"github.com/calebwren/parley/internal/kv"
	"github.com/calebwren/parley/internal/logits"
	"github.com/calebwren/parley/internal/prompt"
	"github.com/calebwren/parley/internal/retrieval"
	"github.com/calebwren/parley/internal/tokenizer"
)

// scriptRuntime replays a fixed argmax script, one entry per Forward call,
// while honoring the cache contract.
type scriptRuntime struct {
	vocab  int
	ctxLen int
	script []int
	step   int
}

func (r *scriptRuntime) NewCache() *kv.Cache { return kv.NewCache(1, 1) }
func (r *scriptRuntime) VocabSize() int      { return r.vocab }
func (r *scriptRuntime) ContextLength() int  { return r.ctxLen }

func (r *scriptRuntime) Forward(tokens []int, cache *kv.Cache) ([]float32, error) {
	n := len(tokens)
	if err := cache.Extend(cache.Len(), [][]float32{make([]float32, n)}, [][]float32{make([]float32, n)}); err != nil {
		return nil, err
	}
	out := make([]float32, r.vocab)
	want := 0
	if r.step < len(r.script) {
		want = r.script[r.step]
	}
	r.step++
	out[want] = 10
	return out, nil
}

func script(tok *tokenizer.Vocab, parts ...string) *scriptRuntime {
	var s []int
	for _, p := range parts {
		if p == "<eos>" {
			s = append(s, tok.EOS())
			continue
		}
		for i := 0; i < len(p); i++ {
			s = append(s, int(p[i]))
		}
	}
	return &scriptRuntime{vocab: tok.Size(), ctxLen: 4096, script: s}
}

func newTestSession(t *testing.T, rt *scriptRuntime, tok *tokenizer.Vocab, cfg Config, opts ...Option) *Session {
	t.Helper()
	if cfg.StopTokens == nil {
		cfg.StopTokens = []int{tok.EOS()}
	}
	cfg.Sampling = logits.Config{Temperature: 0}
	caches := kv.NewManager(1, 1)
	s := NewSession(cfg, rt, tok, caches, tok.BOS(), opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type staticRetriever struct {
	passages []retrieval.Passage
	err      error
	calls    int
}

func (r *staticRetriever) Retrieve(context.Context, string, int) ([]retrieval.Passage, error) {
	r.calls++
	return r.passages, r.err
}
func (r *staticRetriever) Close() error { return nil }

func TestSubmitTurnStopSequence(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := script(tok, "4\nextra")
	s := newTestSession(t, rt, tok, Config{
		MaxNewTokens:  8,
		StopSequences: []string{"\n"},
	})

	res, err := s.SubmitTurn(context.Background(), "What is 2+2?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != engine.FinishStopSequence {
		t.Fatalf("reason = %s", res.Reason)
	}
	if res.Stats.TokensGenerated > 8 {
		t.Fatalf("generated %d tokens past the cap", res.Stats.TokensGenerated)
	}

	history := s.History()
	if len(history) != 2 {
		t.Fatalf("history holds %d turns, want user+assistant", len(history))
	}
	if history[1].Role != prompt.RoleAssistant || history[1].Content != "4" {
		t.Fatalf("assistant turn = %+v", history[1])
	}
}

func TestSubmitTurnEmptyIndexCompletesNormally(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := script(tok, "fine", "<eos>")
	retr := &staticRetriever{} // zero passages
	s := newTestSession(t, rt, tok, Config{MaxNewTokens: 16, RetrieveK: 3}, WithRetriever(retr))

	res, err := s.SubmitTurn(context.Background(), "anything", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != engine.FinishCompleted {
		t.Fatalf("reason = %s, want completed", res.Reason)
	}
	if retr.calls != 1 {
		t.Fatalf("retriever called %d times", retr.calls)
	}
}

func TestRetrievalErrorDegradesGracefully(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := script(tok, "ok", "<eos>")
	retr := &staticRetriever{err: retrieval.ErrUnavailable}
	s := newTestSession(t, rt, tok, Config{MaxNewTokens: 16, RetrieveK: 3}, WithRetriever(retr))

	res, err := s.SubmitTurn(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != engine.FinishCompleted || res.Text != "ok" {
		t.Fatalf("got (%s, %q)", res.Reason, res.Text)
	}
}

func TestCancelledTurnLeavesHistoryUnchanged(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := script(tok, "aaaaaaaaaaaaaaaaaaaa")
	s := newTestSession(t, rt, tok, Config{SystemPrompt: "sys", MaxNewTokens: 20})

	before := s.History()

	ctx, cancel := context.WithCancel(context.Background())
	fragments := 0
	res, err := s.SubmitTurn(ctx, "talk forever", func(string) {
		fragments++
		if fragments == 3 {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("cancellation is not an error: %v", err)
	}
	if res.Reason != engine.FinishCancelled {
		t.Fatalf("reason = %s", res.Reason)
	}

	after := s.History()
	if len(after) != len(before) {
		t.Fatalf("history changed by cancelled turn: %d -> %d turns", len(before), len(after))
	}

	// The session recovers: the next turn rebuilds and commits.
	rt.script = append(rt.script[:rt.step], ids(tok, "ok")...)
	rt.script = append(rt.script, tok.EOS())
	res, err = s.SubmitTurn(context.Background(), "again", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != engine.FinishCompleted {
		t.Fatalf("follow-up reason = %s", res.Reason)
	}
	if len(s.History()) != len(before)+2 {
		t.Fatalf("follow-up did not commit: %d turns", len(s.History()))
	}
}

func ids(tok *tokenizer.Vocab, s string) []int {
	out, _ := tok.Encode(s)
	return out
}

func TestSubmitTurnWhileGeneratingIsRejected(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := script(tok, "abc", "<eos>")
	s := newTestSession(t, rt, tok, Config{MaxNewTokens: 8})

	var nested error
	_, err := s.SubmitTurn(context.Background(), "q", func(string) {
		if nested == nil {
			_, nested = s.SubmitTurn(context.Background(), "again", nil)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(nested, ErrBusy) {
		t.Fatalf("nested submit: got %v, want ErrBusy", nested)
	}
}

func TestResetWhileGeneratingIsRejected(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := script(tok, "abc", "<eos>")
	s := newTestSession(t, rt, tok, Config{MaxNewTokens: 8})

	var nested error
	res, err := s.SubmitTurn(context.Background(), "q", func(string) {
		if nested == nil {
			nested = s.Reset()
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(nested, ErrBusy) {
		t.Fatalf("mid-turn reset: got %v, want ErrBusy", nested)
	}
	// The rejected reset must not have torn down the active cache.
	if res.Text != "abc" {
		t.Fatalf("turn text = %q, want %q", res.Text, "abc")
	}
	if len(s.History()) != 2 {
		t.Fatalf("history = %d turns, want 2", len(s.History()))
	}
}

func TestResetClearsHistoryAndCacheTogether(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := script(tok, "one", "<eos>", "two", "<eos>")
	caches := kv.NewManager(1, 1)
	cfg := Config{
		SystemPrompt: "be brief",
		MaxNewTokens: 8,
		StopTokens:   []int{tok.EOS()},
		Sampling:     logits.Config{Temperature: 0},
	}
	s := NewSession(cfg, rt, tok, caches, tok.BOS())
	defer func() { _ = s.Close() }()

	if _, err := s.SubmitTurn(context.Background(), "first", nil); err != nil {
		t.Fatal(err)
	}
	if caches.Length(s.ID()) == 0 {
		t.Fatal("cache empty after a committed turn")
	}

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if caches.Length(s.ID()) != 0 {
		t.Fatal("cache survived reset")
	}
	history := s.History()
	if len(history) != 1 || history[0].Role != prompt.RoleSystem {
		t.Fatalf("history after reset = %+v", history)
	}

	// A post-reset turn starts from scratch and commits.
	if _, err := s.SubmitTurn(context.Background(), "second", nil); err != nil {
		t.Fatal(err)
	}
	if len(s.History()) != 3 {
		t.Fatalf("post-reset history = %d turns", len(s.History()))
	}
}

func TestHistoryPersistence(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	path := filepath.Join(t.TempDir(), "history.json")

	rt := script(tok, "remembered", "<eos>")
	s := newTestSession(t, rt, tok, Config{MaxNewTokens: 16, HistoryPath: path})
	if _, err := s.SubmitTurn(context.Background(), "note this", nil); err != nil {
		t.Fatal(err)
	}

	rt2 := script(tok, "more", "<eos>")
	s2 := newTestSession(t, rt2, tok, Config{MaxNewTokens: 16, HistoryPath: path})
	history := s2.History()
	if len(history) != 2 || history[1].Content != "remembered" {
		t.Fatalf("reloaded history = %+v", history)
	}
}

func TestIncognitoSkipsPersistence(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	path := filepath.Join(t.TempDir(), "history.json")

	rt := script(tok, "secret", "<eos>")
	s := newTestSession(t, rt, tok, Config{MaxNewTokens: 16, HistoryPath: path, Incognito: true})
	if _, err := s.SubmitTurn(context.Background(), "psst", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("incognito session wrote history: %v", err)
	}
}

func TestMultiTurnIncrementalPrefill(t *testing.T) {
	tok := tokenizer.ByteVocab("<|bos|>", "<|eos|>")
	rt := script(tok, "hi", "<eos>", "yo", "<eos>")
	caches := kv.NewManager(1, 1)
	cfg := Config{
		MaxNewTokens: 8,
		StopTokens:   []int{tok.EOS()},
		Sampling:     logits.Config{Temperature: 0},
	}
	s := NewSession(cfg, rt, tok, caches, tok.BOS())
	defer func() { _ = s.Close() }()

	res1, err := s.SubmitTurn(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	lenAfterFirst := caches.Length(s.ID())

	res2, err := s.SubmitTurn(context.Background(), "again", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res1.Text != "hi" || res2.Text != "yo" {
		t.Fatalf("replies = %q, %q", res1.Text, res2.Text)
	}
	// Second prefill extended the cache rather than replaying history.
	if got := caches.Length(s.ID()); got <= lenAfterFirst {
		t.Fatalf("cache did not grow across turns: %d -> %d", lenAfterFirst, got)
	}
	if res2.Stats.PromptTokens >= lenAfterFirst {
		t.Fatalf("second prefill re-fed history: %d prompt tokens with %d cached",
			res2.Stats.PromptTokens, lenAfterFirst)
	}
}

func TestSanitizeAssistant(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"sentinels", "hello<|im_end|>", "hello"},
		{"think-block", "<think>reasoning</think>answer", "answer"},
		{"unclosed-think", "prefix<think>dangling", "prefix"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeAssistant(tc.in); got != tc.want {
				t.Fatalf("SanitizeAssistant(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
