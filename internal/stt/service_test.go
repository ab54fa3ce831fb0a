package stt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/loqalabs/voicebridge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pcmSegment(speaker string) *AudioSegment {
	return NewAudioSegment(speaker, make([]byte, 3200), FormatPCM, 16000, 1)
}

func TestFallsBackToSecondary(t *testing.T) {
	primary := FailingRecognizer(ErrBackendUnavailable)
	secondary := StaticRecognizer("hello")
	svc := NewService([]Backend{{Name: "primary", Recognizer: primary}, {Name: "secondary", Recognizer: secondary}}, testLogger())

	seg := pcmSegment("42")
	res, err := svc.Transcribe(context.Background(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello" || res.Backend != "secondary" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if primary.Calls() != 1 || secondary.Calls() != 1 {
		t.Fatalf("expected one call per backend, got %d/%d", primary.Calls(), secondary.Calls())
	}
	if !seg.Released() || seg.Len() != 0 {
		t.Fatalf("segment not released")
	}
}

func TestUnrecognizedStopsChain(t *testing.T) {
	primary := StaticRecognizer("   ")
	secondary := StaticRecognizer("should not be used")
	svc := NewService([]Backend{{Name: "local", Recognizer: primary}, {Name: "remote", Recognizer: secondary}}, testLogger())

	seg := pcmSegment("1")
	res, err := svc.Transcribe(context.Background(), seg)
	if !errors.Is(err, ErrUnrecognized) {
		t.Fatalf("expected ErrUnrecognized, got %v", err)
	}
	if res.Backend != "local" {
		t.Fatalf("expected result to name local backend, got %q", res.Backend)
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary must not run after unrecognized")
	}
	if !seg.Released() {
		t.Fatalf("segment not released")
	}
}

func TestAllBackendsFailed(t *testing.T) {
	svc := NewService([]Backend{
		{Name: "local", Recognizer: FailingRecognizer(errors.New("model missing"))},
		{Name: "remote", Recognizer: FailingRecognizer(errors.New("503"))},
	}, testLogger())

	seg := pcmSegment("1")
	_, err := svc.Transcribe(context.Background(), seg)
	if !errors.Is(err, ErrAllBackendsFailed) || !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected aggregate failure, got %v", err)
	}
	var chain *ChainError
	if !errors.As(err, &chain) || len(chain.Errors) != 2 {
		t.Fatalf("expected 2 backend errors, got %v", err)
	}
	if !seg.Released() {
		t.Fatalf("segment not released")
	}
}

func TestCanceledContextDoesNotFallBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	secondary := StaticRecognizer("hello")
	svc := NewService([]Backend{{Name: "local", Recognizer: StaticRecognizer("x")}, {Name: "remote", Recognizer: secondary}}, testLogger())

	_, err := svc.Transcribe(ctx, pcmSegment("1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary must not run after cancel")
	}
}

func TestClipIsWAVAndRemoved(t *testing.T) {
	var path string
	rec := &MockRecognizer{Respond: func(_ context.Context, clip *Clip) (TranscriptResult, error) {
		path = clip.Path
		data, err := clip.ReadAll()
		if err != nil {
			return TranscriptResult{}, err
		}
		if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
			return TranscriptResult{}, errors.New("not a wav file")
		}
		return TranscriptResult{Text: "ok"}, nil
	}}
	svc := NewService([]Backend{{Name: "local", Recognizer: rec}}, testLogger())
	if _, err := svc.Transcribe(context.Background(), pcmSegment("7")); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected temp clip to be removed, stat err=%v", err)
	}
}

func TestHTTPRecognizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Query().Get("language") != "en-US" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "hello there", "confidence": 0.8})
	}))
	defer srv.Close()

	rec, err := NewHTTPRecognizer(config.RecognizerConfig{Mode: "http", Endpoint: srv.URL, Language: "en-US", TimeoutMS: 1000}, testLogger())
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	svc := NewService([]Backend{{Name: "remote", Recognizer: rec}}, testLogger())
	res, err := svc.Transcribe(context.Background(), pcmSegment("1"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello there" || res.Confidence != 0.8 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPRecognizerNon2xxIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec, err := NewHTTPRecognizer(config.RecognizerConfig{Mode: "http", Endpoint: srv.URL, TimeoutMS: 1000}, testLogger())
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	svc := NewService([]Backend{{Name: "remote", Recognizer: rec}}, testLogger())
	_, err = svc.Transcribe(context.Background(), pcmSegment("1"))
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Fatalf("expected ErrAllBackendsFailed, got %v", err)
	}
}

func TestExecRecognizerMissingBinaryIsUnavailable(t *testing.T) {
	rec, err := NewExecRecognizer(config.RecognizerConfig{Mode: "exec", Command: "voicebridge-no-such-whisper --fast"})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	svc := NewService([]Backend{{Name: "local", Recognizer: rec}, {Name: "remote", Recognizer: StaticRecognizer("fallback")}}, testLogger())
	res, err := svc.Transcribe(context.Background(), pcmSegment("1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Backend != "remote" {
		t.Fatalf("expected fallback to remote, got %+v", res)
	}
}

func TestMisframedAudioIsNotUnrecognized(t *testing.T) {
	local := StaticRecognizer("hello")
	svc := NewService([]Backend{{Name: "local", Recognizer: local}}, testLogger())

	seg := NewAudioSegment("1", []byte{1, 2, 3}, FormatPCM, 16000, 1)
	_, err := svc.Transcribe(context.Background(), seg)
	if !errors.Is(err, ErrInvalidAudio) || errors.Is(err, ErrUnrecognized) {
		t.Fatalf("expected ErrInvalidAudio, got %v", err)
	}
	if local.Calls() != 0 {
		t.Fatalf("no backend should run on audio that cannot be framed")
	}
	if !seg.Released() {
		t.Fatalf("segment not released")
	}

	bad := NewAudioSegment("2", make([]byte, 4), FormatPCM, 0, 1)
	if _, err := svc.Transcribe(context.Background(), bad); !errors.Is(err, ErrInvalidAudio) {
		t.Fatalf("expected ErrInvalidAudio for a zero sample rate, got %v", err)
	}

	empty := NewAudioSegment("3", nil, FormatPCM, 16000, 1)
	if _, err := svc.Transcribe(context.Background(), empty); !errors.Is(err, ErrUnrecognized) {
		t.Fatalf("expected an empty segment to be unrecognized, got %v", err)
	}
}
