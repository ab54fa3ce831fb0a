package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/voicebridge/internal/catalog"
	"github.com/loqalabs/voicebridge/internal/llm"
	"github.com/loqalabs/voicebridge/internal/playback"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/loqalabs/voicebridge/internal/stt"
	"github.com/loqalabs/voicebridge/internal/synthesis"
	"github.com/loqalabs/voicebridge/internal/transport"
	"github.com/loqalabs/voicebridge/internal/tts"
)

type State string

const (
	StateIdle         State = "idle"
	StateCapturing    State = "capturing"
	StateTranscribing State = "transcribing"
	StateGenerating   State = "generating"
	StateSynthesizing State = "synthesizing"
	StateSpeaking     State = "speaking"
	StateStopping     State = "stopping"
)

type Stage string

const (
	StageCapture       Stage = "capture"
	StageTranscription Stage = "transcription"
	StageGeneration    Stage = "generation"
	StageSynthesis     Stage = "synthesis"
	StagePlayback      Stage = "playback"
)

var (
	// ErrBusy is returned when a trigger arrives while a run is in progress.
	ErrBusy = errors.New("session: run already in progress")
	// ErrNotCapturing is returned by FinishCapture without an open capture.
	ErrNotCapturing = errors.New("session: not capturing")
	// ErrCanceled is returned by a run that was stopped.
	ErrCanceled = errors.New("session: run canceled")
	// ErrClosed is returned once the session has been disabled.
	ErrClosed = errors.New("session: closed")
	// ErrEmptyQuery is returned for a query with no text.
	ErrEmptyQuery = errors.New("session: query text is empty")

	errTriggerUsed = errors.New("session: trigger already run")
)

// StageError reports the stage that aborted a run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Kind classifies the underlying error for notifications and the timeline.
func (e *StageError) Kind() string {
	err := e.Err
	switch {
	case errors.Is(err, stt.ErrAllBackendsFailed):
		return "all_backends_failed"
	case errors.Is(err, stt.ErrInvalidAudio):
		return "invalid_audio"
	case errors.Is(err, tts.ErrTTSFailed):
		return "tts_failed"
	case errors.Is(err, playback.ErrBusy):
		return "busy"
	case errors.Is(err, playback.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, transport.ErrGateway):
		return "gateway"
	}
	if kind := llm.Kind(err); kind != "unknown" && kind != "" {
		return kind
	}
	if e.Stage == StageCapture {
		return "capture_error"
	}
	return "unknown"
}

// Flags control what a session does on its own.
type Flags struct {
	AutoTranscribe bool `json:"auto_transcribe"`
	AutoAI         bool `json:"auto_ai"`
}

const (
	OutcomeCompleted   = "completed"
	OutcomeTranscribed = "transcribed"
	OutcomeNoSpeech    = "no_speech"
	OutcomeFailed      = "failed"
	OutcomeCanceled    = "canceled"
)

type Transcript struct {
	SpeakerID string
	Text      string
	Backend   string
}

// Outcome summarises one run.
type Outcome struct {
	RunID       string
	Status      string
	Transcripts []Transcript
	Reply       string
	Synthesis   string
	Degraded    bool
	Playback    playback.Result
	Elapsed     time.Duration
}

// Transition is emitted on every state change.
type Transition struct {
	ChannelID string
	SessionID string
	RunID     string
	From      State
	To        State
	At        time.Time
}

// Observer is told about transitions and user-facing notifications.
type Observer interface {
	OnTransition(Transition)
	OnNotification(protocol.Notification)
}

// Snapshot is a point-in-time view for status listings.
type Snapshot struct {
	ChannelID   string    `json:"channel_id"`
	SessionID   string    `json:"session_id"`
	State       State     `json:"state"`
	Flags       Flags     `json:"flags"`
	VoiceModel  string    `json:"voice_model,omitempty"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	EnabledAt   time.Time `json:"enabled_at"`
}

type Transcriber interface {
	Transcribe(ctx context.Context, seg *stt.AudioSegment) (stt.Result, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (synthesis.Result, error)
}

type Player interface {
	Play(ctx context.Context, channelID string, audio []byte) (playback.Result, error)
	Cancel(channelID string) bool
}

type ModelCatalog interface {
	Lookup(name string) (catalog.Model, error)
}

// Recorder persists the run timeline.
type Recorder interface {
	AppendSession(ctx context.Context, sessionID, channelID, privacy string) error
	Record(ctx context.Context, sessionID, runID, channelID, eventType string, v any) error
}

// CaptureFormat describes the bytes the capture transport returns.
type CaptureFormat struct {
	Format     string
	SampleRate int
	Channels   int
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Capture     transport.Capture
	Format      CaptureFormat
	Transcriber Transcriber
	Generator   llm.Generator
	LLMDefaults llm.Request
	Synthesizer Synthesizer
	Player      Player
	Models      ModelCatalog
	Recorder    Recorder
	Privacy     string
	Observers   []Observer
}
