package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voicebridge/internal/eventstore"
	"github.com/loqalabs/voicebridge/internal/llm"
	"github.com/loqalabs/voicebridge/internal/playback"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/loqalabs/voicebridge/internal/stt"
	"github.com/loqalabs/voicebridge/internal/synthesis"
	"github.com/loqalabs/voicebridge/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Session drives the pipeline for one channel. At most one run is active at
// a time; triggers that arrive meanwhile fail with ErrBusy.
type Session struct {
	channelID string
	id        string
	enabledAt time.Time
	deps      *Deps
	metrics   *metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	// emitMu keeps transitions and their emission in order.
	emitMu sync.Mutex

	mu          sync.Mutex
	state       State
	flags       Flags
	voiceModel  string
	capture     *transport.CaptureHandle
	current     *run
	closed      bool
	lastOutcome string
}

func newSession(channelID string, flags Flags, deps *Deps, m *metrics, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		channelID: channelID,
		id:        id,
		enabledAt: time.Now().UTC(),
		deps:      deps,
		metrics:   m,
		tracer:    otel.Tracer(instrumentationName),
		logger:    logger.With(slog.String("channel", channelID), slog.String("session_id", id)),
		state:     StateIdle,
		flags:     flags,
	}
}

func (s *Session) ChannelID() string { return s.channelID }

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *Session) SetFlags(f Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = f
}

func (s *Session) VoiceModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceModel
}

// SetVoiceModel selects the conversion model for later runs. Names are matched
// against the catalog ignoring case.
func (s *Session) SetVoiceModel(name string) error {
	if s.deps.Models == nil {
		return errors.New("no voice model catalog configured")
	}
	model, err := s.deps.Models.Lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.voiceModel = model.Name
	s.mu.Unlock()
	s.logger.Info("voice model selected", slog.String("model", model.Name))
	return nil
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ChannelID:   s.channelID,
		SessionID:   s.id,
		State:       s.state,
		Flags:       s.flags,
		VoiceModel:  s.voiceModel,
		LastOutcome: s.lastOutcome,
		EnabledAt:   s.enabledAt,
	}
}

// StartCapture opens a capture on the channel. It is a no-op when one is
// already open.
func (s *Session) StartCapture(ctx context.Context) error {
	s.emitMu.Lock()
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		s.emitMu.Unlock()
		return ErrClosed
	case s.state == StateCapturing && s.current == nil:
		s.mu.Unlock()
		s.emitMu.Unlock()
		return nil
	case s.state != StateIdle || s.current != nil:
		s.mu.Unlock()
		s.emitMu.Unlock()
		return ErrBusy
	}
	s.state = StateCapturing
	s.mu.Unlock()
	s.publish(ctx, StateIdle, StateCapturing, "")
	s.emitMu.Unlock()

	handle, err := s.deps.Capture.StartCapture(ctx, s.channelID)
	if err != nil {
		stageErr := &StageError{Stage: StageCapture, Err: err}
		s.transition(ctx, StateIdle)
		s.reportFailure(ctx, "", stageErr)
		return stageErr
	}

	s.mu.Lock()
	if s.state != StateCapturing || s.closed {
		// Stopped while the transport was opening the capture.
		s.mu.Unlock()
		_, _ = s.deps.Capture.StopCapture(context.WithoutCancel(ctx), handle)
		return ErrCanceled
	}
	s.capture = &handle
	s.mu.Unlock()
	s.logger.Debug("capture started", slog.String("handle", handle.ID))
	return nil
}

// FinishCapture closes the open capture and runs the pipeline on what was
// heard.
func (s *Session) FinishCapture(ctx context.Context) (Outcome, error) {
	t, err := s.BeginFinishCapture(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return t.Run()
}

// Query runs the pipeline on typed text. An open capture is abandoned first.
func (s *Session) Query(ctx context.Context, text string) (Outcome, error) {
	t, err := s.BeginQuery(ctx, text)
	if err != nil {
		return Outcome{}, err
	}
	return t.Run()
}

// BeginFinishCapture claims the session for an audio run without executing
// it. It fails the same way FinishCapture does.
func (s *Session) BeginFinishCapture(ctx context.Context) (*Trigger, error) {
	r, handle, err := s.begin(ctx, true)
	if err != nil {
		return nil, err
	}
	return &Trigger{s: s, r: r, ctx: ctx, handle: handle, audio: true}, nil
}

// BeginQuery claims the session for a text run without executing it. It
// fails the same way Query does.
func (s *Session) BeginQuery(ctx context.Context, text string) (*Trigger, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	r, handle, err := s.begin(ctx, false)
	if err != nil {
		return nil, err
	}
	return &Trigger{s: s, r: r, ctx: ctx, handle: handle, text: text}, nil
}

// Trigger is a run that holds its session. Other triggers get ErrBusy until
// Run returns, so Run must be called exactly once.
type Trigger struct {
	s      *Session
	r      *run
	ctx    context.Context
	handle *transport.CaptureHandle
	text   string
	audio  bool
	ran    atomic.Bool
}

func (t *Trigger) ID() string { return t.r.id }

func (t *Trigger) Run() (Outcome, error) {
	if t.ran.Swap(true) {
		return Outcome{}, errTriggerUsed
	}
	s, r := t.s, t.r
	if t.audio {
		out, err := s.runAudio(r, *t.handle)
		s.finish(t.ctx, r, &out, err)
		if out.Status != OutcomeCanceled {
			s.rearm(t.ctx)
		}
		return out, err
	}

	if t.handle != nil {
		if segments, err := s.deps.Capture.StopCapture(r.ctx, *t.handle); err != nil {
			s.logger.Warn("failed to close capture before query", slogError(err))
		} else {
			clear(segments)
		}
	}
	out, err := s.runText(r, t.text)
	s.finish(t.ctx, r, &out, err)
	if t.handle != nil && out.Status != OutcomeCanceled {
		s.rearm(t.ctx)
	}
	return out, err
}

// Stop aborts whatever the session is doing and waits until it is Idle.
func (s *Session) Stop(ctx context.Context) error {
	s.emitMu.Lock()
	s.mu.Lock()
	from := s.state
	r := s.current
	if from == StateIdle && r == nil {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return nil
	}
	handle := s.capture
	s.capture = nil
	s.state = StateStopping
	runID := ""
	if r != nil {
		runID = r.id
	}
	s.mu.Unlock()
	if from != StateStopping {
		s.publish(ctx, from, StateStopping, runID)
	}
	s.emitMu.Unlock()

	if r == nil {
		if handle != nil {
			if segments, err := s.deps.Capture.StopCapture(context.WithoutCancel(ctx), *handle); err != nil {
				s.logger.Warn("failed to close capture", slogError(err))
			} else {
				clear(segments)
			}
		}
		s.transition(ctx, StateIdle)
		return nil
	}

	r.cancel()
	if s.deps.Player != nil {
		s.deps.Player.Cancel(s.channelID)
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop(ctx)
}

func (s *Session) begin(ctx context.Context, audio bool) (*run, *transport.CaptureHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	if s.current != nil {
		return nil, nil, ErrBusy
	}
	switch s.state {
	case StateIdle:
		if audio {
			return nil, nil, ErrNotCapturing
		}
	case StateCapturing:
		if s.capture == nil {
			// Capture is still being opened.
			return nil, nil, ErrBusy
		}
	default:
		return nil, nil, ErrBusy
	}

	handle := s.capture
	s.capture = nil
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{id: uuid.NewString(), ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	s.current = r
	return r, handle, nil
}

func (s *Session) finish(ctx context.Context, r *run, out *Outcome, err error) {
	out.RunID = r.id
	var stageErr *StageError
	switch {
	case errors.Is(err, ErrCanceled):
		out.Status = OutcomeCanceled
	case errors.As(err, &stageErr):
		out.Status = OutcomeFailed
	}

	s.transition(ctx, StateIdle)
	s.metrics.run(ctx, out.Status)
	s.record(ctx, r.id, runEventType(out.Status), runPayload(out, stageErr))

	s.mu.Lock()
	s.lastOutcome = out.Status
	s.current = nil
	s.mu.Unlock()
	r.cancel()
	close(r.done)

	s.logger.Info("run finished",
		slog.String("run_id", r.id),
		slog.String("status", out.Status),
		slog.Duration("elapsed", out.Elapsed))
}

func (s *Session) rearm(ctx context.Context) {
	s.mu.Lock()
	auto := s.flags.AutoTranscribe && !s.closed
	s.mu.Unlock()
	if !auto || ctx.Err() != nil {
		return
	}
	if err := s.StartCapture(ctx); err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrClosed) {
		s.logger.Warn("failed to re-arm capture", slogError(err))
	}
}

func (s *Session) runAudio(r *run, handle transport.CaptureHandle) (Outcome, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(r.ctx, "voice.run", trace.WithAttributes(
		attribute.String("voice.channel", s.channelID),
		attribute.String("voice.run_id", r.id),
		attribute.String("voice.input", "audio"),
	))
	defer span.End()

	out := Outcome{}
	stageCtx, stageSpan := s.tracer.Start(ctx, "voice.stage.capture")
	raw, err := s.deps.Capture.StopCapture(stageCtx, handle)
	stageSpan.End()
	if err != nil {
		if r.ctx.Err() != nil {
			return out, ErrCanceled
		}
		return out, s.fail(ctx, r, StageCapture, err, span)
	}

	segments := s.segments(raw)
	defer func() {
		for _, seg := range segments {
			seg.Release()
		}
	}()

	if !s.transition(ctx, StateTranscribing) {
		return out, ErrCanceled
	}
	texts, err := s.transcribe(ctx, r, segments, &out)
	if err != nil {
		return out, err
	}
	if len(texts) == 0 {
		out.Status = OutcomeNoSpeech
		out.Elapsed = time.Since(start)
		span.SetAttributes(attribute.String("voice.outcome", out.Status))
		return out, nil
	}

	if !s.Flags().AutoAI {
		out.Status = OutcomeTranscribed
		out.Elapsed = time.Since(start)
		span.SetAttributes(attribute.String("voice.outcome", out.Status))
		return out, nil
	}

	err = s.respond(ctx, r, strings.Join(texts, " "), &out, span)
	out.Elapsed = time.Since(start)
	return out, err
}

func (s *Session) runText(r *run, text string) (Outcome, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(r.ctx, "voice.run", trace.WithAttributes(
		attribute.String("voice.channel", s.channelID),
		attribute.String("voice.run_id", r.id),
		attribute.String("voice.input", "text"),
	))
	defer span.End()

	out := Outcome{}
	err := s.respond(ctx, r, text, &out, span)
	out.Elapsed = time.Since(start)
	return out, err
}

// segments wraps the capture result in speaker-id order.
func (s *Session) segments(raw map[string][]byte) []*stt.AudioSegment {
	speakers := make([]string, 0, len(raw))
	for id := range raw {
		speakers = append(speakers, id)
	}
	slices.SortFunc(speakers, compareSpeakers)
	out := make([]*stt.AudioSegment, 0, len(speakers))
	for _, id := range speakers {
		out = append(out, stt.NewAudioSegment(id, raw[id], s.deps.Format.Format, s.deps.Format.SampleRate, s.deps.Format.Channels))
		delete(raw, id)
	}
	return out
}

func compareSpeakers(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func (s *Session) transcribe(ctx context.Context, r *run, segments []*stt.AudioSegment, out *Outcome) ([]string, error) {
	stageStart := time.Now()
	ctx, span := s.tracer.Start(ctx, "voice.stage.transcription", trace.WithAttributes(attribute.Int("voice.segments", len(segments))))
	defer span.End()

	var texts []string
	for _, seg := range segments {
		res, err := s.deps.Transcriber.Transcribe(ctx, seg)
		if r.ctx.Err() != nil {
			return nil, ErrCanceled
		}
		if errors.Is(err, stt.ErrUnrecognized) {
			s.metrics.degradedOutcome(ctx, StageTranscription)
			s.logger.Debug("segment skipped, no speech", slog.String("speaker", seg.SpeakerID))
			continue
		}
		if err != nil {
			return nil, s.fail(ctx, r, StageTranscription, err, span)
		}
		out.Transcripts = append(out.Transcripts, Transcript{SpeakerID: seg.SpeakerID, Text: res.Text, Backend: res.Backend})
		texts = append(texts, res.Text)
		s.notify(protocol.Notification{
			RunID:     r.id,
			Kind:      protocol.NotifyTranscript,
			SpeakerID: seg.SpeakerID,
			Text:      res.Text,
		})
	}
	s.metrics.stageDone(ctx, StageTranscription, time.Since(stageStart).Seconds())
	return texts, nil
}

func (s *Session) respond(ctx context.Context, r *run, prompt string, out *Outcome, runSpan trace.Span) error {
	if !s.transition(ctx, StateGenerating) {
		return ErrCanceled
	}
	stageStart := time.Now()
	genCtx, span := s.tracer.Start(ctx, "voice.stage.generation")
	req := s.deps.LLMDefaults
	req.SessionID = s.id
	req.TraceID = r.id
	req.Prompt = prompt
	reply, err := s.deps.Generator.Generate(genCtx, req)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = fmt.Errorf("%w: empty reply", llm.ErrInvalidResponse)
	}
	if r.ctx.Err() != nil {
		span.End()
		return ErrCanceled
	}
	if err != nil {
		err = s.fail(ctx, r, StageGeneration, err, span)
		span.End()
		return err
	}
	span.End()
	s.metrics.stageDone(ctx, StageGeneration, time.Since(stageStart).Seconds())
	out.Reply = reply
	s.notify(protocol.Notification{RunID: r.id, Kind: protocol.NotifyResponse, Text: reply})

	if !s.transition(ctx, StateSynthesizing) {
		return ErrCanceled
	}
	stageStart = time.Now()
	synCtx, span := s.tracer.Start(ctx, "voice.stage.synthesis")
	res, err := s.deps.Synthesizer.Synthesize(synCtx, synthesis.Request{SessionID: s.id, Text: reply, VoiceModel: s.VoiceModel()})
	if r.ctx.Err() != nil {
		span.End()
		return ErrCanceled
	}
	if err == nil && !res.Success {
		err = errors.New("synthesis produced no audio")
	}
	if err != nil {
		err = s.fail(ctx, r, StageSynthesis, err, span)
		span.End()
		return err
	}
	span.SetAttributes(attribute.String("voice.backend", res.Backend), attribute.Bool("voice.degraded", res.Degraded))
	span.End()
	s.metrics.stageDone(ctx, StageSynthesis, time.Since(stageStart).Seconds())
	out.Synthesis = res.Backend
	out.Degraded = res.Degraded
	if res.Degraded {
		s.metrics.degradedOutcome(ctx, StageSynthesis)
	}

	if !s.transition(ctx, StateSpeaking) {
		return ErrCanceled
	}
	stageStart = time.Now()
	playCtx, span := s.tracer.Start(ctx, "voice.stage.playback")
	pres, err := s.deps.Player.Play(playCtx, s.channelID, res.Audio)
	out.Playback = pres
	if r.ctx.Err() != nil || errors.Is(err, playback.ErrCanceled) {
		span.End()
		return ErrCanceled
	}
	if err != nil {
		err = s.fail(ctx, r, StagePlayback, err, span)
		span.End()
		return err
	}
	span.End()
	s.metrics.stageDone(ctx, StagePlayback, time.Since(stageStart).Seconds())

	out.Status = OutcomeCompleted
	runSpan.SetAttributes(attribute.String("voice.outcome", out.Status))
	return nil
}

func (s *Session) fail(ctx context.Context, r *run, stage Stage, err error, span trace.Span) error {
	stageErr := &StageError{Stage: stage, Err: err}
	span.RecordError(err)
	span.SetStatus(codes.Error, stageErr.Kind())
	s.reportFailure(ctx, r.id, stageErr)
	return stageErr
}

func (s *Session) reportFailure(ctx context.Context, runID string, stageErr *StageError) {
	kind := stageErr.Kind()
	s.metrics.failure(ctx, stageErr.Stage, kind)
	s.logger.Warn("stage failed",
		slog.String("run_id", runID),
		slog.String("stage", string(stageErr.Stage)),
		slog.String("kind", kind),
		slogError(stageErr.Err))
	s.notify(protocol.Notification{
		RunID: runID,
		Kind:  protocol.NotifyFailure,
		Stage: string(stageErr.Stage),
		Text:  fmt.Sprintf("%s failed (%s)", stageErr.Stage, kind),
	})
}

// transition moves to the given state and emits it. Once Stopping, only Idle
// is accepted; it reports false when the move was refused.
func (s *Session) transition(ctx context.Context, to State) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return true
	}
	if from == StateStopping && to != StateIdle {
		s.mu.Unlock()
		return false
	}
	s.state = to
	runID := ""
	if s.current != nil {
		runID = s.current.id
	}
	s.mu.Unlock()

	s.publish(ctx, from, to, runID)
	return true
}

func (s *Session) publish(ctx context.Context, from, to State, runID string) {
	t := Transition{ChannelID: s.channelID, SessionID: s.id, RunID: runID, From: from, To: to, At: time.Now().UTC()}
	trace.SpanFromContext(ctx).AddEvent("voice.transition", trace.WithAttributes(
		attribute.String("voice.from", string(from)),
		attribute.String("voice.to", string(to)),
	))
	s.logger.Debug("state transition", slog.String("from", string(from)), slog.String("to", string(to)))
	for _, o := range s.deps.Observers {
		o.OnTransition(t)
	}
	s.record(ctx, runID, eventstore.TypeSessionState, map[string]string{"from": string(from), "to": string(to)})
}

func (s *Session) notify(n protocol.Notification) {
	n.ChannelID = s.channelID
	n.Timestamp = time.Now().UTC()
	for _, o := range s.deps.Observers {
		o.OnNotification(n)
	}
}

func (s *Session) record(ctx context.Context, runID, eventType string, payload any) {
	if s.deps.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.deps.Recorder.Record(ctx, s.id, runID, s.channelID, eventType, payload); err != nil {
		s.logger.Warn("failed to record event", slog.String("type", eventType), slogError(err))
	}
}

func runEventType(status string) string {
	if status == OutcomeFailed {
		return eventstore.TypeRunFailed
	}
	return eventstore.TypeRunCompleted
}

// runPayload is what the timeline keeps about a run. Transcript and reply
// text are left out.
func runPayload(out *Outcome, stageErr *StageError) map[string]any {
	backends := make([]string, 0, len(out.Transcripts))
	for _, t := range out.Transcripts {
		backends = append(backends, t.Backend)
	}
	payload := map[string]any{
		"status":      out.Status,
		"elapsed_ms":  out.Elapsed.Milliseconds(),
		"segments":    len(out.Transcripts),
		"stt_backend": backends,
		"synthesis":   out.Synthesis,
		"degraded":    out.Degraded,
	}
	if out.Playback.Status != "" {
		payload["playback"] = string(out.Playback.Status)
	}
	if stageErr != nil {
		payload["stage"] = string(stageErr.Stage)
		payload["error_kind"] = stageErr.Kind()
	}
	return payload
}
