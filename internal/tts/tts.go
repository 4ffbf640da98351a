// Package tts converts finalized assistant turns to audio through an
// external synthesis backend. Speech is optional: synthesis failures never
// fail the turn that produced the text.
package tts

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Synthesizer turns text into audible speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) error
}

// Disabled is a Synthesizer that does nothing.
type Disabled struct{}

func (Disabled) Synthesize(context.Context, string) error { return nil }

// Command shells out to a local TTS binary, passing text on stdin. The
// voice, when set, is forwarded via the provider's voice flag.
type Command struct {
	Program string
	Voice   string
}

// Parse resolves a "provider/voice" option string (for example
// "espeak/en-us" or "say/Samantha") into a Synthesizer. An empty spec
// disables speech output.
func Parse(spec string) (Synthesizer, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Disabled{}, nil
	}
	provider, voice, _ := strings.Cut(spec, "/")
	switch provider {
	case "espeak", "espeak-ng", "say", "flite":
		return &Command{Program: provider, Voice: voice}, nil
	default:
		return nil, fmt.Errorf("tts: unknown provider %q", provider)
	}
}

// Synthesize runs the backend program and blocks until playback finishes.
func (c *Command) Synthesize(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var args []string
	if c.Voice != "" {
		args = append(args, "-v", c.Voice)
	}
	cmd := exec.CommandContext(ctx, c.Program, args...)
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tts: %s: %w: %s", c.Program, err, strings.TrimSpace(string(out)))
	}
	return nil
}
