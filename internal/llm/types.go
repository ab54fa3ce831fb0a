package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/voicebridge/internal/config"
)

var (
	ErrTimeout          = errors.New("llm: generation timed out")
	ErrConnectionFailed = errors.New("llm: cannot reach generation backend")
	ErrInvalidResponse  = errors.New("llm: invalid response")
	ErrUpstream         = errors.New("llm: upstream error")
)

// UpstreamError is a failure reported by the generation backend itself.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("llm: upstream error: %s", e.Message)
	}
	return fmt.Sprintf("llm: upstream error (status %d): %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Generator produces one complete reply for a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// OptionsFromConfig fills the request defaults from configuration.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{
		System:      cfg.System,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// Kind names an error class for logs and the event timeline.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionFailed):
		return "connection_failed"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
