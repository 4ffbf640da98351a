package prompt

import (
	"errors"
	"fmt"

	"github.com/calebwren/parley/internal/retrieval"
	"github.com/calebwren/parley/internal/tokenizer"
)

// ErrTemplateOverflow reports that the assembled sequence would exceed the
// model's context length. Recoverable: the caller applies a truncation
// policy (oldest turns first) and retries.
var ErrTemplateOverflow = errors.New("prompt: assembled sequence exceeds context length")

// Builder turns chat history plus the new user turn into the incremental
// token sequence to prefill. When the session's KV cache already represents
// a prefix of the conversation, only the new segment is rendered and
// tokenized; the cost of a turn is then independent of history length.
//
// A Builder is owned by one session. pendingClose carries the template
// fragment that closes the previous assistant turn, which was never fed to
// the model during decoding.
type Builder struct {
	tok          tokenizer.Tokenizer
	tmpl         Template
	maxContext   int
	bos          int
	pendingClose string
}

// NewBuilder returns a builder for one session. bos is the begin-of-sequence
// token id, -1 when the model has none.
func NewBuilder(tok tokenizer.Tokenizer, tmpl Template, maxContext, bos int) *Builder {
	return &Builder{tok: tok, tmpl: tmpl, maxContext: maxContext, bos: bos}
}

// Template returns the builder's chat template.
func (b *Builder) Template() Template { return b.tmpl }

// Build produces the token sequence for the next turn. cachedLen is the KV
// cache position count: 0 means the full history is rendered, anything else
// means the cache already covers history and only the delta (close of the
// previous assistant turn, retrieved context, the user turn, and the
// assistant lead-in) is rendered and tokenized.
func (b *Builder) Build(history []Turn, passages []retrieval.Passage, userTurn string, cachedLen int) ([]int, error) {
	var text string
	if cachedLen == 0 {
		var full string
		for _, turn := range history {
			full += RenderTurn(b.tmpl, turn)
		}
		text = full + b.segment(passages, userTurn)
		b.pendingClose = ""
	} else {
		text = b.pendingClose + b.segment(passages, userTurn)
	}

	ids, err := b.tok.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("prompt: encode: %w", err)
	}
	if cachedLen == 0 && b.bos >= 0 {
		ids = append([]int{b.bos}, ids...)
	}
	if cachedLen+len(ids) > b.maxContext {
		return nil, fmt.Errorf("%w: %d cached + %d new > %d",
			ErrTemplateOverflow, cachedLen, len(ids), b.maxContext)
	}
	return ids, nil
}

// segment renders the per-turn delta: context block, user turn, assistant
// lead-in.
func (b *Builder) segment(passages []retrieval.Passage, userTurn string) string {
	return renderContext(b.tmpl, passages) +
		RenderTurn(b.tmpl, Turn{Role: RoleUser, Content: userTurn}) +
		b.tmpl.Open(RoleAssistant)
}

// CommitAssistant records that an assistant turn finished decoding, so the
// next Build emits its closing fragment before the new segment.
func (b *Builder) CommitAssistant() {
	b.pendingClose = b.tmpl.Close(RoleAssistant)
}

// Rewind drops incremental state after a cache reset or truncation; the
// next Build renders from scratch.
func (b *Builder) Rewind() {
	b.pendingClose = ""
}

// TruncateOldest drops the oldest non-system turn from history, the default
// overflow policy. Returns history unchanged when nothing can be dropped.
func TruncateOldest(history []Turn) ([]Turn, bool) {
	for i, turn := range history {
		if turn.Role != RoleSystem {
			out := make([]Turn, 0, len(history)-1)
			out = append(out, history[:i]...)
			out = append(out, history[i+1:]...)
			return out, true
		}
	}
	return history, false
}
