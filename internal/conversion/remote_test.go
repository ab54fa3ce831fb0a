package conversion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRemoteSendsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/voice-conversion" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// []byte travels as base64: "base" -> "YmFzZQ=="
		if body["audio"] != "YmFzZQ==" || body["model"] != "lucia" || body["index_rate"] != 0.5 || body["filter_radius"] != float64(3) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("converted"))
	}))
	defer srv.Close()

	conv := NewRemote(srv.URL+"/", time.Second, testLogger())
	out, err := conv.Convert(context.Background(), Request{Audio: []byte("base"), Model: "lucia", Params: DefaultParams()})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !bytes.Equal(out, []byte("converted")) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRemoteIsSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	conv := NewRemote(srv.URL, time.Second, testLogger())
	_, err := conv.Convert(context.Background(), Request{Audio: []byte("base"), Model: "lucia"})
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one attempt, got %d", calls.Load())
	}
}

func TestLocalNotImplemented(t *testing.T) {
	if _, err := NewLocal().Convert(context.Background(), Request{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
