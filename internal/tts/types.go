package tts

import (
	"context"
	"errors"
)

// ErrTTSFailed is returned when the synthetic voice could not be produced.
var ErrTTSFailed = errors.New("tts: synthesis failed")

// SynthRequest describes a synthesis job.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// Audio is an encoded clip, typically mp3.
type Audio struct {
	Data   []byte
	Format string
}

// Synthesizer renders text with a fixed synthetic voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}
