// Package playback serialises audio output per channel.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/voicebridge/internal/transport"
)

// DefaultPollInterval is how often the transport is asked whether playback
// is still running.
const DefaultPollInterval = 100 * time.Millisecond

const maxPollErrors = 3

var (
	ErrBusy              = errors.New("playback: channel output busy")
	ErrCanceled          = errors.New("playback: canceled")
	ErrDeviceUnavailable = errors.New("playback: output device unavailable")
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

type Result struct {
	Status   Status
	Duration time.Duration
}

// job is one playback. started and canceling are guarded by Scheduler.mu;
// whichever of Play and Cancel observes both set stops the output.
type job struct {
	stop      chan struct{}
	once      sync.Once
	started   bool
	canceling bool
}

func (j *job) cancel() {
	j.once.Do(func() { close(j.stop) })
}

// Scheduler allows at most one playback per channel.
type Scheduler struct {
	out    transport.Playback
	poll   time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*job
}

func NewScheduler(out transport.Playback, poll time.Duration, logger *slog.Logger) *Scheduler {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Scheduler{
		out:    out,
		poll:   poll,
		logger: logger.With(slog.String("component", "playback")),
		active: make(map[string]*job),
	}
}

func (s *Scheduler) PollInterval() time.Duration { return s.poll }

// Active reports whether channelID is currently playing through the scheduler.
func (s *Scheduler) Active(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[channelID]
	return ok
}

// Play starts audio on channelID and blocks until the transport reports it
// finished, Cancel is called, or ctx ends. A second Play on the same channel
// fails with ErrBusy while the first is running.
func (s *Scheduler) Play(ctx context.Context, channelID string, audio []byte) (Result, error) {
	s.mu.Lock()
	if _, busy := s.active[channelID]; busy {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrBusy, channelID)
	}
	j := &job{stop: make(chan struct{})}
	s.active[channelID] = j
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.active[channelID] == j {
			delete(s.active, channelID)
		}
		s.mu.Unlock()
	}()

	start := time.Now()
	err := s.out.StartPlayback(ctx, channelID, audio)
	s.mu.Lock()
	j.started = true
	canceling := j.canceling
	s.mu.Unlock()
	if canceling || ctx.Err() != nil {
		// The gateway may have begun output before noticing the cancel.
		s.stopOutput(channelID)
		if canceling {
			return Result{Status: StatusCanceled, Duration: time.Since(start)}, ErrCanceled
		}
		return Result{Status: StatusCanceled, Duration: time.Since(start)}, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	pollErrors := 0
	for {
		select {
		case <-j.stop:
			return Result{Status: StatusCanceled, Duration: time.Since(start)}, ErrCanceled
		case <-ctx.Done():
			s.stopOutput(channelID)
			return Result{Status: StatusCanceled, Duration: time.Since(start)}, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		case <-ticker.C:
			playing, err := s.out.IsPlaying(ctx, channelID)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				pollErrors++
				s.logger.Warn("playback status poll failed", slog.String("channel", channelID), slogError(err))
				if pollErrors >= maxPollErrors {
					s.stopOutput(channelID)
					return Result{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
				}
				continue
			}
			pollErrors = 0
			if !playing {
				return Result{Status: StatusCompleted, Duration: time.Since(start)}, nil
			}
		}
	}
}

// Cancel stops the running playback on channelID, if any. The pending Play
// returns ErrCanceled.
func (s *Scheduler) Cancel(channelID string) bool {
	s.mu.Lock()
	j, ok := s.active[channelID]
	var started bool
	if ok {
		j.canceling = true
		started = j.started
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if started {
		s.stopOutput(channelID)
	}
	j.cancel()
	return true
}

func (s *Scheduler) stopOutput(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.out.StopPlayback(ctx, channelID); err != nil {
		s.logger.Warn("stop playback failed", slog.String("channel", channelID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
