// Package synthesis turns reply text into playable audio: a synthetic voice
// first, then optional conversion to a trained voice model.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/voicebridge/internal/conversion"
	"github.com/loqalabs/voicebridge/internal/tts"
)

const (
	BackendTTS     = "tts"
	BackendTTSOnly = "tts-only"
)

// Models is the part of the voice model catalog the pipeline needs.
type Models interface {
	Len() int
}

type Options struct {
	Voice            string
	EnableConversion bool
	DefaultModel     string
	DefaultParams    conversion.Params
}

type Request struct {
	SessionID  string
	Text       string
	VoiceModel string
	Params     *conversion.Params
}

type Result struct {
	Audio    []byte
	Format   string
	Backend  string
	Success  bool
	Degraded bool
	Elapsed  time.Duration
}

type Pipeline struct {
	opts       Options
	synth      tts.Synthesizer
	models     Models
	converters []conversion.Backend
	logger     *slog.Logger
}

func New(opts Options, synth tts.Synthesizer, models Models, converters []conversion.Backend, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		opts:       opts,
		synth:      synth,
		models:     models,
		converters: converters,
		logger:     logger.With(slog.String("component", "synthesis")),
	}
}

func (p *Pipeline) ConversionActive() bool {
	return p.opts.EnableConversion && p.models != nil && p.models.Len() > 0
}

// Synthesize renders req.Text. A TTS failure is returned as tts.ErrTTSFailed.
// Conversion failures never fail the call: the base audio is returned with
// Backend "tts-only" and Degraded set.
func (p *Pipeline) Synthesize(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, fmt.Errorf("%w: empty text", tts.ErrTTSFailed)
	}

	base, err := p.synth.Synthesize(ctx, tts.SynthRequest{SessionID: req.SessionID, Text: req.Text, Voice: p.opts.Voice})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !errors.Is(err, tts.ErrTTSFailed) {
			err = fmt.Errorf("%w: %v", tts.ErrTTSFailed, err)
		}
		return Result{}, err
	}

	if !p.ConversionActive() {
		return Result{Audio: base.Data, Format: base.Format, Backend: BackendTTS, Success: true, Elapsed: time.Since(start)}, nil
	}

	model := req.VoiceModel
	if model == "" {
		model = p.opts.DefaultModel
	}
	params := p.opts.DefaultParams
	if req.Params != nil {
		params = *req.Params
	}

	for _, backend := range p.converters {
		out, err := backend.Converter.Convert(ctx, conversion.Request{Audio: base.Data, Model: model, Params: params})
		if err == nil {
			base.Data = nil
			return Result{Audio: out, Format: base.Format, Backend: backend.Name, Success: true, Elapsed: time.Since(start)}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		level := slog.LevelWarn
		if errors.Is(err, conversion.ErrNotImplemented) {
			level = slog.LevelDebug
		}
		p.logger.Log(ctx, level, "conversion backend failed",
			slog.String("backend", backend.Name),
			slog.String("model", model),
			slogError(err))
	}

	p.logger.Info("voice conversion unavailable, using base voice", slog.String("model", model))
	return Result{Audio: base.Data, Format: base.Format, Backend: BackendTTSOnly, Success: true, Degraded: true, Elapsed: time.Since(start)}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
