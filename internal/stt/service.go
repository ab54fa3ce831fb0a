package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Result is a transcript together with the backend that produced it.
type Result struct {
	Text       string
	Backend    string
	Confidence float64
}

// Service transcribes segments by trying its backends in order.
type Service struct {
	backends []Backend
	logger   *slog.Logger
}

func NewService(backends []Backend, logger *slog.Logger) *Service {
	return &Service{
		backends: backends,
		logger:   logger.With(slog.String("component", "stt-service")),
	}
}

func (s *Service) Backends() []string {
	names := make([]string, 0, len(s.backends))
	for _, b := range s.backends {
		names = append(names, b.Name)
	}
	return names
}

// Transcribe consumes seg. The segment is released before Transcribe returns,
// whatever the outcome.
//
// A backend that finds no speech ends the chain with ErrUnrecognized. A
// backend that fails hands over to the next one; when none is left the
// returned *ChainError matches ErrAllBackendsFailed. Audio that cannot be
// framed at all fails with ErrInvalidAudio before any backend runs.
func (s *Service) Transcribe(ctx context.Context, seg *AudioSegment) (Result, error) {
	defer seg.Release()

	if len(s.backends) == 0 {
		return Result{}, &ChainError{Errors: []error{unavailable("stt", errors.New("no backends configured"))}}
	}

	clip, cleanup, err := writeClip(seg)
	defer cleanup()
	if errors.Is(err, errEmptySegment) {
		return Result{}, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	if err != nil {
		s.logger.Warn("audio segment could not be prepared",
			slog.String("speaker", seg.SpeakerID),
			slogError(err))
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}

	var failures []error
	for _, backend := range s.backends {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		start := time.Now()
		out, err := backend.Recognizer.Transcribe(ctx, clip)
		if err == nil && strings.TrimSpace(out.Text) == "" {
			err = ErrUnrecognized
		}
		switch {
		case err == nil:
			s.logger.Debug("segment transcribed",
				slog.String("backend", backend.Name),
				slog.String("speaker", seg.SpeakerID),
				slog.Duration("latency", time.Since(start)))
			return Result{Text: strings.TrimSpace(out.Text), Backend: backend.Name, Confidence: out.Confidence}, nil
		case errors.Is(err, ErrUnrecognized):
			s.logger.Info("no speech recognized",
				slog.String("backend", backend.Name),
				slog.String("speaker", seg.SpeakerID))
			return Result{Backend: backend.Name}, fmt.Errorf("%s: %w", backend.Name, ErrUnrecognized)
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		default:
			s.logger.Warn("stt backend unavailable, falling back",
				slog.String("backend", backend.Name),
				slogError(err))
			failures = append(failures, unavailable(backend.Name, err))
		}
	}
	return Result{}, &ChainError{Errors: failures}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
