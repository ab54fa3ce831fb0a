package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/voicebridge/internal/httpc"
)

type ollamaGenerator struct {
	endpoint string
	model    string
	client   *httpc.Client
}

// NewOllamaGenerator talks to the Ollama generate API without streaming.
// Transient statuses are retried according to policy.
func NewOllamaGenerator(endpoint, model string, policy httpc.Policy, logger *slog.Logger) Generator {
	if model == "" {
		model = "mistral"
	}
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   httpc.New(policy, logger),
	}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
	Done     bool   `json:"done"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request) (string, error) {
	payload := ollamaRequest{
		Model:  g.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
	}
	if req.Temperature != 0 || req.MaxTokens != 0 {
		payload.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(ctx, httpc.Request{
		Method: http.MethodPost,
		URL:    g.endpoint + "/api/generate",
		Header: header,
		Body:   body,
	})
	switch {
	case err == nil:
	case errors.Is(err, httpc.ErrTimeout):
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, httpc.ErrConnectionFailed):
		return "", fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	default:
		return "", err
	}

	var out ollamaResponse
	decodeErr := json.Unmarshal(resp.Body, &out)
	if !resp.OK() {
		msg := out.Error
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, decodeErr)
	}
	if out.Error != "" {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Message: out.Error}
	}
	return strings.TrimSpace(out.Response), nil
}
