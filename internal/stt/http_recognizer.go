package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/httpc"
)

type httpRecognizer struct {
	endpoint string
	language string
	client   *httpc.Client
}

// NewHTTPRecognizer posts each clip to a networked recognizer. The service
// answers 2xx with {"text": "...", "confidence": 0.9}; any other outcome makes
// the backend unavailable for this clip.
func NewHTTPRecognizer(cfg config.RecognizerConfig, logger *slog.Logger) (Recognizer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("stt endpoint is empty")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse stt endpoint: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return &httpRecognizer{
		endpoint: cfg.Endpoint,
		language: cfg.Language,
		client:   httpc.New(httpc.SingleAttempt(timeout), logger),
	}, nil
}

func (r *httpRecognizer) Transcribe(ctx context.Context, clip *Clip) (TranscriptResult, error) {
	data, err := clip.ReadAll()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("%w: read clip: %v", ErrBackendUnavailable, err)
	}

	target := r.endpoint
	if r.language != "" {
		u, _ := url.Parse(r.endpoint)
		q := u.Query()
		q.Set("language", r.language)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	header := http.Header{}
	header.Set("Content-Type", "audio/"+clip.Format)
	resp, err := r.client.Do(ctx, httpc.Request{Method: http.MethodPost, URL: target, Header: header, Body: data})
	if err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		return TranscriptResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !resp.OK() {
		return TranscriptResult{}, fmt.Errorf("%w: recognizer returned status %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var out execResult
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return TranscriptResult{}, fmt.Errorf("%w: decode recognizer response: %v", ErrBackendUnavailable, err)
	}
	return TranscriptResult{Text: out.Text, Confidence: out.Confidence}, nil
}
