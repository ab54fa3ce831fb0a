package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnrecognized means a backend processed the audio and found no speech.
	// It ends the chain.
	ErrUnrecognized = errors.New("stt: speech not recognized")
	// ErrBackendUnavailable means a backend could not produce a transcript and
	// the next one should be tried.
	ErrBackendUnavailable = errors.New("stt: backend unavailable")
	// ErrAllBackendsFailed is reported when every backend was unavailable.
	ErrAllBackendsFailed = errors.New("stt: all backends failed")
	// ErrInvalidAudio means the segment could not be framed for any backend.
	ErrInvalidAudio = errors.New("stt: invalid audio segment")

	errEmptySegment = errors.New("audio segment is empty")
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, clip *Clip) (TranscriptResult, error)
}

// Backend is a named recognizer in the fallback order.
type Backend struct {
	Name       string
	Recognizer Recognizer
}

// ChainError aggregates the per-backend failures of a transcription.
type ChainError struct {
	Errors []error
}

func (e *ChainError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%s: %s", ErrAllBackendsFailed, strings.Join(parts, "; "))
}

func (e *ChainError) Unwrap() []error { return e.Errors }

func (e *ChainError) Is(target error) bool {
	return target == ErrAllBackendsFailed
}

func unavailable(backend string, err error) error {
	if errors.Is(err, ErrBackendUnavailable) {
		return fmt.Errorf("%s: %w", backend, err)
	}
	return fmt.Errorf("%s: %w: %v", backend, ErrBackendUnavailable, err)
}
