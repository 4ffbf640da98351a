package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/calebwren/parley/internal/chat"
	"github.com/calebwren/parley/internal/engine"
	"github.com/calebwren/parley/internal/prompt"
)

// ChatCompletionRequest is the OpenAI-compatible request payload.
type ChatCompletionRequest struct {
	Model         string        `json:"model"`
	Messages      []ChatMessage `json:"messages"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	Stream        *bool         `json:"stream,omitempty"`
	Stop          any           `json:"stop,omitempty"`
	MaxTokens     *int          `json:"max_tokens,omitempty"`
	RepeatPenalty *float64      `json:"repeat_penalty,omitempty"`
	Seed          *int64        `json:"seed,omitempty"`
	User          string        `json:"user,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is a streaming SSE chunk.
type ChatCompletionChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

func (s *Server) handleChatCompletions(c *echo.Context) error {
	if !s.allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "")
	}
	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}

	turns, err := messagesToTurns(req.Messages)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	ov, err := requestOverrides(&req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	completionID := "chatcmpl-" + uuid.NewString()
	created := s.clock().Unix()
	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}

	if req.Stream != nil && *req.Stream {
		return s.completeStream(c, turns, ov, completionID, created, model)
	}
	return s.completeSync(c, turns, ov, completionID, created, model)
}

func (s *Server) completeSync(c *echo.Context, turns []prompt.Turn, ov Overrides, completionID string, created int64, model string) error {
	res, err := s.completer.Complete(c.Request().Context(), turns, ov, nil)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}

	finish := finishReasonString(res.Reason)
	resp := ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{{
			Index: 0,
			Message: &ChatMessage{
				Role:    "assistant",
				Content: chat.SanitizeAssistant(res.Text),
			},
			FinishReason: &finish,
		}},
		Usage: ChatUsage{
			PromptTokens:     res.Stats.PromptTokens,
			CompletionTokens: res.Stats.TokensGenerated,
			TotalTokens:      res.Stats.PromptTokens + res.Stats.TokensGenerated,
		},
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) completeStream(c *echo.Context, turns []prompt.Turn, ov Overrides, completionID string, created int64, model string) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}

	chunk := func(delta *ChatMessage, finish *string) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChatChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	if err := sendSSEChunk(res, chunk(&ChatMessage{Role: "assistant"}, nil)); err != nil {
		return err
	}
	flusher.Flush()

	result, err := s.completer.Complete(c.Request().Context(), turns, ov, func(fragment string) {
		_ = sendSSEChunk(res, chunk(&ChatMessage{Content: fragment}, nil))
		flusher.Flush()
	})
	if err != nil {
		_ = sendSSEChunk(res, map[string]any{"error": err.Error()})
		flusher.Flush()
		return nil
	}

	finish := finishReasonString(result.Reason)
	_ = sendSSEChunk(res, chunk(&ChatMessage{}, &finish))
	_, _ = fmt.Fprint(res, "data: [DONE]\n\n")
	flusher.Flush()
	return nil
}

func sendSSEChunk(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", string(b))
	return err
}

func finishReasonString(r engine.FinishReason) string {
	switch r {
	case engine.FinishMaxTokens:
		return "length"
	case engine.FinishCancelled:
		return "cancelled"
	default:
		return "stop"
	}
}

func messagesToTurns(msgs []ChatMessage) ([]prompt.Turn, error) {
	out := make([]prompt.Turn, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
		out = append(out, prompt.Turn{Role: prompt.Role(m.Role), Content: m.Content})
	}
	return out, nil
}

func requestOverrides(req *ChatCompletionRequest) (Overrides, error) {
	ov := Overrides{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Seed:          req.Seed,
		RepeatPenalty: req.RepeatPenalty,
		MaxTokens:     req.MaxTokens,
	}
	switch stop := req.Stop.(type) {
	case nil:
	case string:
		if strings.TrimSpace(stop) != "" {
			ov.Stop = []string{stop}
		}
	case []any:
		for _, raw := range stop {
			s, ok := raw.(string)
			if !ok {
				return ov, fmt.Errorf("stop must be a string or array of strings")
			}
			ov.Stop = append(ov.Stop, s)
		}
	case []string:
		ov.Stop = stop
	default:
		return ov, fmt.Errorf("stop must be a string or array of strings")
	}
	return ov, nil
}
