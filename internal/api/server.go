// Package api exposes the local generation engine over an
// OpenAI-compatible chat completions endpoint.
package api

import (
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/calebwren/parley/internal/logger"
)

// Config controls the server surface.
type Config struct {
	// Model is the id reported by /v1/models and echoed in responses.
	Model string
	// RatePerSec caps completion requests per second. Zero disables limiting.
	RatePerSec float64
	Burst      int
}

type Server struct {
	completer Completer
	cfg       Config
	limiter   *rate.Limiter
	log       logger.Logger
	clock     func() time.Time
}

func NewServer(completer Completer, cfg Config, log logger.Logger) *Server {
	if cfg.Model == "" {
		cfg.Model = "parley"
	}
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		completer: completer,
		cfg:       cfg,
		log:       log,
		clock:     time.Now,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)
}

// allow reports whether a completion request fits the rate budget.
func (s *Server) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.cfg.Model,
			"object":   "model",
			"created":  s.clock().Unix(),
			"owned_by": "local",
		}},
	})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

// ResponseError is the OpenAI-style error envelope body.
type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	err := dec.Decode(&v)
	return v, err
}
