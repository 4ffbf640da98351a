// Package chat owns the multi-turn conversation: history, cache lifecycle,
// and turn boundaries. One session runs at most one generation at a time.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/calebwren/parley/internal/engine"
	"github.com/calebwren/parley/internal/kv"
	"github.com/calebwren/parley/internal/logger"
	"github.com/calebwren/parley/internal/logits"
	"github.com/calebwren/parley/internal/model"
	"github.com/calebwren/parley/internal/prompt"
	"github.com/calebwren/parley/internal/retrieval"
	"github.com/calebwren/parley/internal/tokenizer"
	"github.com/calebwren/parley/internal/tts"
)

// State is the session's externally visible phase.
type State string

const (
	StateIdle       State = "idle"
	StateRetrieving State = "retrieving"
	StateGenerating State = "generating"
)

// ErrBusy reports a SubmitTurn while a generation is already in flight.
// A session supports exactly one active generation at a time.
var ErrBusy = errors.New("chat: session already generating")

// Config shapes a session.
type Config struct {
	SystemPrompt  string
	Template      prompt.Template
	Sampling      logits.Config
	MaxNewTokens  int
	StopSequences []string
	StopTokens    []int

	// RetrieveK passages are fetched per turn when a retriever is set.
	RetrieveK int

	// HistoryPath persists committed turns across runs. Incognito keeps
	// history in memory only.
	HistoryPath string
	Incognito   bool
}

// Session drives retrieval, prompt building, and generation for
// consecutive turns over one model runtime.
type Session struct {
	id      string
	cfg     Config
	rt      model.Runtime
	tok     tokenizer.Tokenizer
	eng     *engine.Engine
	builder *prompt.Builder
	caches  *kv.Manager
	cache   *kv.Cache
	retr    retrieval.Retriever
	speech  tts.Synthesizer
	log     logger.Logger

	mu      sync.Mutex
	state   State
	history []prompt.Turn
}

// Option customizes session construction.
type Option func(*Session)

// WithRetriever enables retrieval-augmented prompts.
func WithRetriever(r retrieval.Retriever) Option {
	return func(s *Session) { s.retr = r }
}

// WithSpeech voices finalized assistant turns.
func WithSpeech(synth tts.Synthesizer) Option {
	return func(s *Session) { s.speech = synth }
}

// WithLogger replaces the default logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Session) { s.log = log }
}

// NewSession builds a session over an owned runtime instance. bos is the
// begin-of-sequence token id, -1 for none.
func NewSession(cfg Config, rt model.Runtime, tok tokenizer.Tokenizer, caches *kv.Manager, bos int, opts ...Option) *Session {
	if cfg.Template == nil {
		cfg.Template = prompt.ChatML{}
	}
	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		rt:      rt,
		tok:     tok,
		eng:     engine.New(rt, tok),
		builder: prompt.NewBuilder(tok, cfg.Template, rt.ContextLength(), bos),
		caches:  caches,
		speech:  tts.Disabled{},
		log:     logger.Default(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = caches.Acquire(s.id)
	if cfg.SystemPrompt != "" {
		s.history = append(s.history, prompt.Turn{Role: prompt.RoleSystem, Content: cfg.SystemPrompt})
	}
	if cfg.HistoryPath != "" {
		if turns, err := loadHistory(cfg.HistoryPath); err == nil && len(turns) > 0 {
			s.history = turns
			s.caches.Reset(s.id)
			s.builder.Rewind()
		}
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the committed turns.
func (s *Session) History() []prompt.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]prompt.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// SubmitTurn runs one user turn end to end, streaming fragments as they
// decode. On a normally finished turn the user and assistant turns are
// committed to history together; a cancelled or failed turn commits
// nothing and the cache is rewound so the next turn rebuilds cleanly.
func (s *Session) SubmitTurn(ctx context.Context, text string, stream engine.StreamFunc) (*engine.Result, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.state = StateRetrieving
	history := make([]prompt.Turn, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
	}()

	passages := s.retrieve(ctx, text)

	s.mu.Lock()
	s.state = StateGenerating
	s.mu.Unlock()

	ids, history, err := s.buildPrompt(history, passages, text)
	if err != nil {
		return nil, err
	}

	res, err := s.eng.Generate(ctx, s.cache, ids, engine.Params{
		Sampling:      s.cfg.Sampling,
		MaxNewTokens:  s.cfg.MaxNewTokens,
		StopSequences: s.cfg.StopSequences,
		StopTokens:    s.cfg.StopTokens,
	}, stream)
	if err != nil {
		s.rewind()
		return res, fmt.Errorf("chat: turn failed: %w", err)
	}
	if res.Reason == engine.FinishCancelled {
		s.rewind()
		return res, nil
	}

	s.commit(history, text, res.Text)
	s.voice(ctx, res.Text)
	return res, nil
}

// retrieve fetches context passages, degrading to none on failure.
func (s *Session) retrieve(ctx context.Context, query string) []retrieval.Passage {
	if s.retr == nil || s.cfg.RetrieveK <= 0 {
		return nil
	}
	passages, err := s.retr.Retrieve(ctx, query, s.cfg.RetrieveK)
	if err != nil {
		s.log.Warn("retrieval failed, continuing without context", "error", err)
		return nil
	}
	return passages
}

// buildPrompt assembles the incremental token sequence, evicting oldest
// turns and rebuilding from scratch when the context would overflow.
// Returns the possibly truncated history that matches what was built.
func (s *Session) buildPrompt(history []prompt.Turn, passages []retrieval.Passage, text string) ([]int, []prompt.Turn, error) {
	ids, err := s.builder.Build(history, passages, text, s.cache.Len())
	for errors.Is(err, prompt.ErrTemplateOverflow) {
		var ok bool
		history, ok = prompt.TruncateOldest(history)
		if !ok {
			return nil, history, fmt.Errorf("chat: prompt does not fit even after truncation: %w", err)
		}
		s.log.Warn("context overflow, evicting oldest turn", "remaining_turns", len(history))
		s.caches.Reset(s.id)
		s.builder.Rewind()
		ids, err = s.builder.Build(history, passages, text, s.cache.Len())
	}
	if err != nil {
		return nil, history, err
	}
	return ids, history, nil
}

// commit appends the finished turn pair and persists history. Called only
// for normally finished turns, so history never holds a partial reply.
func (s *Session) commit(history []prompt.Turn, userText, assistantText string) {
	s.mu.Lock()
	s.history = append(history,
		prompt.Turn{Role: prompt.RoleUser, Content: userText},
		prompt.Turn{Role: prompt.RoleAssistant, Content: SanitizeAssistant(assistantText)},
	)
	snapshot := make([]prompt.Turn, len(s.history))
	copy(snapshot, s.history)
	s.mu.Unlock()

	s.builder.CommitAssistant()

	if s.cfg.HistoryPath != "" && !s.cfg.Incognito {
		if err := saveHistory(s.cfg.HistoryPath, snapshot); err != nil {
			s.log.Warn("failed to persist history", "path", s.cfg.HistoryPath, "error", err)
		}
	}
}

// rewind discards cache state after an uncommitted turn. History is left
// untouched; the next build re-renders it from scratch.
func (s *Session) rewind() {
	s.caches.Reset(s.id)
	s.builder.Rewind()
}

// voice speaks the finalized reply when speech output is enabled.
func (s *Session) voice(ctx context.Context, text string) {
	if _, disabled := s.speech.(tts.Disabled); disabled {
		return
	}
	if err := s.speech.Synthesize(ctx, text); err != nil {
		s.log.Warn("speech synthesis failed", "error", err)
	}
}

// Reset clears history and cache together. The configured system prompt
// survives, everything else is gone. Resetting while a generation is in
// flight would tear the cache out from under it, so that returns ErrBusy.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrBusy
	}
	s.history = s.history[:0]
	if s.cfg.SystemPrompt != "" {
		s.history = append(s.history, prompt.Turn{Role: prompt.RoleSystem, Content: s.cfg.SystemPrompt})
	}
	s.caches.Reset(s.id)
	s.builder.Rewind()
	return nil
}

// Close releases the session's cache.
func (s *Session) Close() error {
	s.caches.Drop(s.id)
	return nil
}
