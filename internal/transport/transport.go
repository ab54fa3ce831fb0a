// Package transport reaches the channel gateway that carries audio in and
// out of voice channels.
package transport

import (
	"context"
	"errors"
)

// ErrGateway wraps failures reported by the gateway itself.
var ErrGateway = errors.New("transport: gateway error")

// CaptureHandle identifies one capture in progress.
type CaptureHandle struct {
	ID        string
	ChannelID string
}

// Capture records per-speaker audio from a channel.
type Capture interface {
	StartCapture(ctx context.Context, channelID string) (CaptureHandle, error)
	// StopCapture ends the capture and returns the audio keyed by speaker id.
	StopCapture(ctx context.Context, handle CaptureHandle) (map[string][]byte, error)
}

// Playback drives the channel's single audio output.
type Playback interface {
	StartPlayback(ctx context.Context, channelID string, audio []byte) error
	IsPlaying(ctx context.Context, channelID string) (bool, error)
	StopPlayback(ctx context.Context, channelID string) error
}

type Transport interface {
	Capture
	Playback
}
