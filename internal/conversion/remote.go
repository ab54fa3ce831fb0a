package conversion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/voicebridge/internal/httpc"
)

type remoteConverter struct {
	url    string
	client *httpc.Client
}

// NewRemote posts to {baseURL}/voice-conversion once per request. Only a 200
// with a non-empty body counts as success.
func NewRemote(baseURL string, timeout time.Duration, logger *slog.Logger) Converter {
	return &remoteConverter{
		url:    strings.TrimRight(baseURL, "/") + "/voice-conversion",
		client: httpc.New(httpc.SingleAttempt(timeout), logger),
	}
}

type remoteRequest struct {
	Audio []byte `json:"audio"`
	Model string `json:"model"`
	Params
}

func (r *remoteConverter) Convert(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(remoteRequest{Audio: req.Audio, Model: req.Model, Params: req.Params})
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(ctx, httpc.Request{Method: http.MethodPost, URL: r.url, Header: header, Body: body})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFailed, resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrFailed)
	}
	return resp.Body, nil
}
