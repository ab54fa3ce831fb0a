package protocol

import "time"

// EnableRequest turns voice interaction on for a channel.
type EnableRequest struct {
	ChannelID      string `json:"channel_id"`
	AutoTranscribe *bool  `json:"auto_transcribe,omitempty"`
	AutoAI         *bool  `json:"auto_ai,omitempty"`
	VoiceModel     string `json:"voice_model,omitempty"`
}

type DisableRequest struct {
	ChannelID string `json:"channel_id"`
}

// QueryRequest runs the pipeline on typed text.
type QueryRequest struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// CaptureFinished tells the daemon the gateway stopped hearing speech.
type CaptureFinished struct {
	ChannelID string `json:"channel_id"`
}

// ControlReply answers control and query requests.
type ControlReply struct {
	OK      bool   `json:"ok"`
	Created bool   `json:"created,omitempty"`
	State   string `json:"state,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StateChange is published on every session transition.
type StateChange struct {
	ChannelID string    `json:"channel_id"`
	RunID     string    `json:"run_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	NotifyTranscript = "transcript"
	NotifyResponse   = "response"
	NotifyFailure    = "failure"
)

// Notification carries user-facing text for the channel.
type Notification struct {
	ChannelID string    `json:"channel_id"`
	RunID     string    `json:"run_id,omitempty"`
	Kind      string    `json:"kind"`
	SpeakerID string    `json:"speaker_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Gateway request/reply payloads.

type CaptureStartRequest struct {
	ChannelID string `json:"channel_id"`
}

type CaptureStartReply struct {
	HandleID string `json:"handle_id"`
	Error    string `json:"error,omitempty"`
}

type CaptureStopRequest struct {
	ChannelID string `json:"channel_id"`
	HandleID  string `json:"handle_id"`
}

type CaptureStopReply struct {
	Segments map[string][]byte `json:"segments"`
	Error    string            `json:"error,omitempty"`
}

type PlaybackStartRequest struct {
	ChannelID string `json:"channel_id"`
	Audio     []byte `json:"audio"`
}

type PlaybackChannelRequest struct {
	ChannelID string `json:"channel_id"`
}

type PlaybackReply struct {
	Playing bool   `json:"playing"`
	Error   string `json:"error,omitempty"`
}

const (
	SubjectControlEnable   = "voice.control.enable"
	SubjectControlDisable  = "voice.control.disable"
	SubjectQuery           = "voice.query"
	SubjectCaptureFinished = "voice.capture.finished"
	SubjectSessionState    = "voice.session.state"
	SubjectNotify          = "voice.notify"

	SubjectCaptureStart   = "gateway.capture.start"
	SubjectCaptureStop    = "gateway.capture.stop"
	SubjectPlaybackStart  = "gateway.playback.start"
	SubjectPlaybackStatus = "gateway.playback.status"
	SubjectPlaybackStop   = "gateway.playback.stop"
)
