package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/voicebridge/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitActive(t *testing.T, s *Scheduler, channelID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !s.Active(channelID) {
		if time.Now().After(deadline) {
			t.Fatalf("playback never became active")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPlayCompletes(t *testing.T) {
	out := transport.NewMock()
	out.PlayDuration = 30 * time.Millisecond
	s := NewScheduler(out, 10*time.Millisecond, testLogger())

	res, err := s.Play(context.Background(), "general", []byte("audio"))
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if s.Active("general") {
		t.Fatalf("expected channel to be idle after completion")
	}
	if starts := out.PlaybackStarts(); len(starts) != 1 || string(starts[0].Audio) != "audio" {
		t.Fatalf("unexpected starts %+v", starts)
	}
}

func TestSecondPlayIsBusy(t *testing.T) {
	out := transport.NewMock()
	out.PlayDuration = time.Hour
	s := NewScheduler(out, 10*time.Millisecond, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := s.Play(context.Background(), "general", []byte("first"))
		done <- err
	}()
	waitActive(t, s, "general")

	if _, err := s.Play(context.Background(), "general", []byte("second")); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if n := len(out.PlaybackStarts()); n != 1 {
		t.Fatalf("expected exactly one StartPlayback, got %d", n)
	}

	if s.Active("other") {
		t.Fatalf("other channel should be idle")
	}

	s.Cancel("general")
	if err := <-done; !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected first play canceled, got %v", err)
	}
}

func TestCancelWithinOnePollInterval(t *testing.T) {
	out := transport.NewMock()
	out.PlayDuration = time.Hour
	poll := 100 * time.Millisecond
	s := NewScheduler(out, poll, testLogger())

	type outcome struct {
		res Result
		err error
		at  time.Time
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Play(context.Background(), "general", []byte("audio"))
		done <- outcome{res, err, time.Now()}
	}()
	waitActive(t, s, "general")
	time.Sleep(2 * time.Millisecond)

	canceledAt := time.Now()
	if !s.Cancel("general") {
		t.Fatalf("expected cancel to find active playback")
	}
	o := <-done
	if !errors.Is(o.err, ErrCanceled) || o.res.Status != StatusCanceled {
		t.Fatalf("expected canceled result, got %+v err=%v", o.res, o.err)
	}
	if o.at.Sub(canceledAt) > poll {
		t.Fatalf("play returned %s after cancel, want <= %s", o.at.Sub(canceledAt), poll)
	}
	stops := out.PlaybackStops()
	if len(stops) != 1 || stops[0].At.Sub(canceledAt) > poll {
		t.Fatalf("expected StopPlayback within one poll interval, got %+v", stops)
	}
}

func TestContextCancelStopsOutput(t *testing.T) {
	out := transport.NewMock()
	out.PlayDuration = time.Hour
	s := NewScheduler(out, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Play(ctx, "general", []byte("audio"))
		done <- err
	}()
	waitActive(t, s, "general")
	cancel()
	if err := <-done; !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if len(out.PlaybackStops()) != 1 {
		t.Fatalf("expected StopPlayback on context cancel")
	}
}

func TestStartFailureIsDeviceUnavailable(t *testing.T) {
	out := transport.NewMock()
	out.StartErr = errors.New("not connected to voice")
	s := NewScheduler(out, 10*time.Millisecond, testLogger())

	if _, err := s.Play(context.Background(), "general", []byte("audio")); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if s.Active("general") {
		t.Fatalf("failed playback must not stay active")
	}
}

func TestCancelWithoutPlayback(t *testing.T) {
	s := NewScheduler(transport.NewMock(), 0, testLogger())
	if s.Cancel("general") {
		t.Fatalf("expected false with nothing playing")
	}
	if s.PollInterval() != DefaultPollInterval {
		t.Fatalf("expected default poll interval")
	}
}

// gatedOutput holds StartPlayback until release is closed, like a gateway
// whose request/reply is still in flight.
type gatedOutput struct {
	*transport.Mock
	entered chan struct{}
	release chan struct{}
}

func (g *gatedOutput) StartPlayback(ctx context.Context, channelID string, audio []byte) error {
	close(g.entered)
	<-g.release
	return g.Mock.StartPlayback(context.Background(), channelID, audio)
}

func newGatedOutput() *gatedOutput {
	out := transport.NewMock()
	out.PlayDuration = time.Hour
	return &gatedOutput{Mock: out, entered: make(chan struct{}), release: make(chan struct{})}
}

func TestCancelDuringStartStopsOutput(t *testing.T) {
	out := newGatedOutput()
	s := NewScheduler(out, 10*time.Millisecond, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := s.Play(context.Background(), "general", []byte("audio"))
		done <- err
	}()
	<-out.entered

	if !s.Cancel("general") {
		t.Fatalf("expected cancel to find the starting playback")
	}
	close(out.release)

	if err := <-done; !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	playing, err := out.IsPlaying(context.Background(), "general")
	if err != nil {
		t.Fatal(err)
	}
	if playing {
		t.Fatalf("output still playing after a canceled Play returned")
	}
	if n := len(out.PlaybackStops()); n != 1 {
		t.Fatalf("expected exactly one StopPlayback, got %d", n)
	}
}

func TestContextCancelDuringStartStopsOutput(t *testing.T) {
	out := newGatedOutput()
	s := NewScheduler(out, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Play(ctx, "general", []byte("audio"))
		done <- err
	}()
	<-out.entered
	cancel()
	close(out.release)

	if err := <-done; !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if playing, _ := out.IsPlaying(context.Background(), "general"); playing {
		t.Fatalf("output still playing after context cancel")
	}
}
