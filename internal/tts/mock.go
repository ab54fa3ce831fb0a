package tts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// MockSynth returns a marker payload derived from the text. Err, when set,
// makes every call fail.
type MockSynth struct {
	Delay time.Duration
	Err   error
	calls atomic.Int32
}

func NewMockSynth() *MockSynth {
	return &MockSynth{Delay: 10 * time.Millisecond}
}

func (m *MockSynth) Calls() int { return int(m.calls.Load()) }

func (m *MockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	m.calls.Add(1)
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(m.Delay):
	}
	if m.Err != nil {
		return Audio{}, fmt.Errorf("%w: %v", ErrTTSFailed, m.Err)
	}
	return Audio{Data: MockAudio(req.Voice, req.Text), Format: "mp3"}, nil
}

// MockAudio is the payload MockSynth produces for voice and text.
func MockAudio(voice, text string) []byte {
	return []byte("tts[" + voice + "]:" + text)
}
