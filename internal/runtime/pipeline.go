package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/catalog"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/conversion"
	"github.com/loqalabs/voicebridge/internal/httpc"
	"github.com/loqalabs/voicebridge/internal/llm"
	"github.com/loqalabs/voicebridge/internal/stt"
	"github.com/loqalabs/voicebridge/internal/synthesis"
	"github.com/loqalabs/voicebridge/internal/transport"
	"github.com/loqalabs/voicebridge/internal/tts"
)

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func buildTransport(cfg config.TransportConfig, busClient *bus.Client, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Mode {
	case "", "mock":
		logger.Warn("using in-process mock transport; no audio reaches a real channel")
		return transport.NewMock(), nil
	case "nats":
		if busClient == nil {
			return nil, fmt.Errorf("nats transport requires a bus connection")
		}
		return transport.NewNATS(busClient.Conn(), millis(cfg.RequestTimeoutMS), logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport mode %q", cfg.Mode)
	}
}

func buildRecognizer(rc config.RecognizerConfig, logger *slog.Logger) (stt.Recognizer, error) {
	switch rc.Mode {
	case "mock":
		return stt.NewMockRecognizer(), nil
	case "exec":
		return stt.NewExecRecognizer(rc)
	case "http":
		return stt.NewHTTPRecognizer(rc, logger)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", rc.Mode)
	}
}

// buildRecognizers returns the configured chain: the local recognizer first,
// then the networked one.
func buildRecognizers(cfg config.STTConfig, logger *slog.Logger) ([]stt.Backend, error) {
	slots := []struct {
		name string
		cfg  config.RecognizerConfig
	}{
		{"primary", cfg.Primary},
		{"secondary", cfg.Secondary},
	}
	var backends []stt.Backend
	for _, slot := range slots {
		if slot.cfg.Mode == "" || slot.cfg.Mode == "disabled" {
			continue
		}
		rec, err := buildRecognizer(slot.cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("stt %s: %w", slot.name, err)
		}
		logger.Info("stt backend configured", slog.String("backend", slot.name), slog.String("mode", slot.cfg.Mode))
		backends = append(backends, stt.Backend{Name: slot.name, Recognizer: rec})
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no stt backend enabled")
	}
	return backends, nil
}

func buildGenerator(cfg config.LLMConfig, logger *slog.Logger) (llm.Generator, error) {
	switch cfg.Mode {
	case "mock":
		return llm.NewMockGenerator(), nil
	case "exec":
		return llm.NewExecGenerator(cfg.Command)
	case "ollama":
		policy := httpc.GenerationPolicy()
		if cfg.MaxAttempts > 0 {
			policy.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.InitialBackoffMS > 0 {
			policy.InitialBackoff = millis(cfg.InitialBackoffMS)
		}
		if cfg.TimeoutMS > 0 {
			policy.Timeout = millis(cfg.TimeoutMS)
		}
		return llm.NewOllamaGenerator(cfg.Endpoint, cfg.Model, policy, logger), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

func buildSynth(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return tts.NewMockSynth(), nil
	case "exec":
		return tts.NewExecSynth(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// buildConverters orders the conversion backends: the remote API when
// enabled, then the local backend.
func buildConverters(cfg config.ConversionConfig, logger *slog.Logger) []conversion.Backend {
	var backends []conversion.Backend
	if cfg.APIEnabled {
		backends = append(backends, conversion.Backend{Name: "remote", Converter: conversion.NewRemote(cfg.APIURL, millis(cfg.TimeoutMS), logger)})
	}
	return append(backends, conversion.Backend{Name: "local", Converter: conversion.NewLocal()})
}

func buildSynthesis(cfg config.Config, models *catalog.Catalog, logger *slog.Logger) (*synthesis.Pipeline, error) {
	synth, err := buildSynth(cfg.TTS)
	if err != nil {
		return nil, err
	}
	opts := synthesis.Options{
		Voice:            cfg.TTS.Voice,
		EnableConversion: cfg.Conversion.EnableVoiceConversion,
		DefaultModel:     cfg.Conversion.DefaultVoiceModel,
		DefaultParams:    conversion.ParamsFromConfig(cfg.Conversion),
	}
	return synthesis.New(opts, synth, models, buildConverters(cfg.Conversion, logger), logger), nil
}
