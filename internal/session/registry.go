package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/voicebridge/internal/eventstore"
)

// Registry holds at most one session per channel.
type Registry struct {
	deps    Deps
	logger  *slog.Logger
	metrics *metrics

	// mutateMu serialises Enable and Disable so that lookups never wait on a
	// session being torn down.
	mutateMu sync.Mutex
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(deps Deps, logger *slog.Logger) *Registry {
	r := &Registry{
		deps:     deps,
		logger:   logger.With(slog.String("component", "session")),
		sessions: make(map[string]*Session),
	}
	r.metrics = newMetrics(func() int64 { return int64(r.Len()) }, r.logger)
	return r
}

// AddObserver registers o for sessions enabled after the call.
func (r *Registry) AddObserver(o Observer) {
	r.mutateMu.Lock()
	defer r.mutateMu.Unlock()
	r.deps.Observers = append(r.deps.Observers, o)
}

// Enable creates the channel's session or updates the flags of the existing
// one. The boolean reports whether a session was created. When auto
// transcription is on, a capture is armed.
func (r *Registry) Enable(ctx context.Context, channelID string, flags Flags) (*Session, bool, error) {
	if channelID == "" {
		return nil, false, errors.New("channel id is required")
	}
	r.mutateMu.Lock()
	defer r.mutateMu.Unlock()

	r.mu.RLock()
	s, ok := r.sessions[channelID]
	r.mu.RUnlock()
	if ok {
		s.SetFlags(flags)
		if flags.AutoTranscribe && s.State() == StateIdle {
			if err := s.StartCapture(ctx); err != nil && !errors.Is(err, ErrBusy) {
				return s, false, err
			}
		}
		return s, false, nil
	}

	deps := r.deps
	deps.Observers = append([]Observer(nil), r.deps.Observers...)
	s = newSession(channelID, flags, &deps, r.metrics, r.logger)
	if deps.Recorder != nil {
		if err := deps.Recorder.AppendSession(ctx, s.id, channelID, deps.Privacy); err != nil {
			r.logger.Warn("failed to record session", slog.String("channel", channelID), slogError(err))
		}
	}

	r.mu.Lock()
	r.sessions[channelID] = s
	r.mu.Unlock()

	s.record(ctx, "", eventstore.TypeSessionEnabled, flags)
	r.logger.Info("voice session enabled",
		slog.String("channel", channelID),
		slog.String("session_id", s.id),
		slog.Bool("auto_transcribe", flags.AutoTranscribe),
		slog.Bool("auto_ai", flags.AutoAI))

	if flags.AutoTranscribe {
		if err := s.StartCapture(ctx); err != nil {
			return s, true, err
		}
	}
	return s, true, nil
}

// Disable stops and removes the channel's session. It reports false when the
// channel had none.
func (r *Registry) Disable(ctx context.Context, channelID string) (bool, error) {
	r.mutateMu.Lock()
	defer r.mutateMu.Unlock()

	r.mu.RLock()
	s, ok := r.sessions[channelID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	// The entry stays visible until the in-flight run has been torn down.
	err := s.close(ctx)
	r.mu.Lock()
	delete(r.sessions, channelID)
	r.mu.Unlock()
	s.record(ctx, "", eventstore.TypeSessionDisabled, map[string]string{"last_outcome": s.Snapshot().LastOutcome})
	r.logger.Info("voice session disabled", slog.String("channel", channelID), slog.String("session_id", s.id))
	return true, err
}

func (r *Registry) Get(channelID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots ordered by channel id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Close disables every session.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	channels := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		channels = append(channels, id)
	}
	r.mu.RUnlock()

	var errs []error
	for _, id := range channels {
		if _, err := r.Disable(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
