// Package prompt assembles role-tagged chat turns and retrieved context into
// the token sequence fed to the model runtime.
package prompt

import (
	"fmt"
	"strings"

	"github.com/calebwren/parley/internal/retrieval"
)

// Role tags a chat turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one committed chat turn. Immutable once appended to history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Template is a deterministic, versioned chat format. Open and Close bracket
// a turn's content; the assistant turn is opened without content to cue
// generation.
type Template interface {
	Name() string
	Version() int
	Open(role Role) string
	Close(role Role) string
}

// RenderTurn formats a full committed turn.
func RenderTurn(t Template, turn Turn) string {
	return t.Open(turn.Role) + turn.Content + t.Close(turn.Role)
}

// ChatML formats turns with im_start/im_end sentinels.
type ChatML struct{}

func (ChatML) Name() string       { return "chatml" }
func (ChatML) Version() int       { return 1 }
func (ChatML) Open(r Role) string { return "<|im_start|>" + string(r) + "\n" }
func (ChatML) Close(Role) string  { return "<|im_end|>\n" }

// IMessenger is a plain "ROLE: text" format for models without special
// chat sentinels.
type IMessenger struct{}

func (IMessenger) Name() string       { return "imessenger" }
func (IMessenger) Version() int       { return 1 }
func (IMessenger) Open(r Role) string { return strings.ToUpper(string(r)) + ": " }
func (IMessenger) Close(Role) string  { return "\n" }

// ParseTemplate resolves a template by name.
func ParseTemplate(name string) (Template, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "chatml", "chat-ml":
		return ChatML{}, nil
	case "imessenger":
		return IMessenger{}, nil
	default:
		return nil, fmt.Errorf("prompt: unknown template %q", name)
	}
}

// renderContext folds retrieved passages into one system-tagged block. The
// block is injected just before the user turn it grounds.
func renderContext(t Template, passages []retrieval.Passage) string {
	if len(passages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, p := range passages {
		fmt.Fprintf(&b, "[%s] %s\n", p.Source, p.Text)
	}
	return t.Open(RoleSystem) + strings.TrimRight(b.String(), "\n") + t.Close(RoleSystem)
}
