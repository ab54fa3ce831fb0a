package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PlaybackCall records a StartPlayback or StopPlayback invocation.
type PlaybackCall struct {
	ChannelID string
	Audio     []byte
	At        time.Time
}

// Mock is an in-process gateway. Playback "plays" for PlayDuration.
type Mock struct {
	PlayDuration time.Duration
	StartErr     error
	CaptureErr   error

	mu       sync.Mutex
	pending  map[string]map[string][]byte
	captures map[string]CaptureHandle
	until    map[string]time.Time
	starts   []PlaybackCall
	stops    []PlaybackCall
}

func NewMock() *Mock {
	return &Mock{
		PlayDuration: 50 * time.Millisecond,
		pending:      make(map[string]map[string][]byte),
		captures:     make(map[string]CaptureHandle),
		until:        make(map[string]time.Time),
	}
}

// SetSegments queues the audio the next StopCapture on channelID returns.
func (m *Mock) SetSegments(channelID string, segments map[string][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[channelID] = segments
}

func (m *Mock) StartCapture(ctx context.Context, channelID string) (CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return CaptureHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CaptureErr != nil {
		return CaptureHandle{}, m.CaptureErr
	}
	h := CaptureHandle{ID: uuid.NewString(), ChannelID: channelID}
	m.captures[channelID] = h
	return h, nil
}

func (m *Mock) StopCapture(ctx context.Context, handle CaptureHandle) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	active, ok := m.captures[handle.ChannelID]
	if !ok || active.ID != handle.ID {
		return nil, fmt.Errorf("%w: unknown capture %s", ErrGateway, handle.ID)
	}
	delete(m.captures, handle.ChannelID)
	segments := m.pending[handle.ChannelID]
	delete(m.pending, handle.ChannelID)
	return segments, nil
}

// Capturing reports whether a capture is open on channelID.
func (m *Mock) Capturing(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.captures[channelID]
	return ok
}

func (m *Mock) StartPlayback(ctx context.Context, channelID string, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	now := time.Now()
	m.starts = append(m.starts, PlaybackCall{ChannelID: channelID, Audio: append([]byte(nil), audio...), At: now})
	m.until[channelID] = now.Add(m.PlayDuration)
	return nil
}

func (m *Mock) IsPlaying(_ context.Context, channelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.until[channelID]
	if !ok {
		return false, nil
	}
	if time.Now().Before(until) {
		return true, nil
	}
	delete(m.until, channelID)
	return false, nil
}

func (m *Mock) StopPlayback(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.until, channelID)
	m.stops = append(m.stops, PlaybackCall{ChannelID: channelID, At: time.Now()})
	return nil
}

func (m *Mock) PlaybackStarts() []PlaybackCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PlaybackCall(nil), m.starts...)
}

func (m *Mock) PlaybackStops() []PlaybackCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PlaybackCall(nil), m.stops...)
}
