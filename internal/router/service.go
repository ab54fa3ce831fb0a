package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/loqalabs/voicebridge/internal/session"
	"github.com/nats-io/nats.go"
)

var errNotEnabled = errors.New("voice is not enabled for this channel")

// Service accepts control messages from the bus and publishes session
// transitions and notifications back onto it.
type Service struct {
	cfg      config.RouterConfig
	bus      *bus.Client
	registry *session.Registry
	logger   *slog.Logger
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, registry *session.Registry, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		registry: registry,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
	}
	registry.AddObserver(s)
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectControlEnable, s.handleEnable},
		{protocol.SubjectControlDisable, s.handleDisable},
		{protocol.SubjectQuery, s.handleQuery},
		{protocol.SubjectCaptureFinished, s.handleCaptureFinished},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.drain()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("router listening", slog.Int("subjects", len(s.subs)))
	return nil
}

// Close stops accepting messages and waits for in-flight runs.
func (s *Service) Close() {
	s.drain()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) == 4
}

// Wait blocks until every run started from the bus has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) handleEnable(msg *nats.Msg) {
	var req protocol.EnableRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode enable request", slogError(err))
		s.reply(msg, protocol.ControlReply{Error: "invalid request"})
		return
	}

	flags := session.Flags{AutoTranscribe: s.cfg.AutoTranscribe, AutoAI: s.cfg.AutoAI}
	if existing, ok := s.registry.Get(req.ChannelID); ok {
		flags = existing.Flags()
	}
	if req.AutoTranscribe != nil {
		flags.AutoTranscribe = *req.AutoTranscribe
	}
	if req.AutoAI != nil {
		flags.AutoAI = *req.AutoAI
	}

	sess, created, err := s.registry.Enable(s.ctx, req.ChannelID, flags)
	if sess == nil {
		s.reply(msg, protocol.ControlReply{Error: err.Error()})
		return
	}
	if err != nil {
		s.logger.Warn("voice session enabled without capture", slog.String("channel", req.ChannelID), slogError(err))
	}
	if req.VoiceModel != "" {
		if err := sess.SetVoiceModel(req.VoiceModel); err != nil {
			s.reply(msg, protocol.ControlReply{OK: true, Created: created, State: string(sess.State()), Error: err.Error()})
			return
		}
	}
	s.reply(msg, protocol.ControlReply{OK: true, Created: created, State: string(sess.State())})
}

func (s *Service) handleDisable(msg *nats.Msg) {
	var req protocol.DisableRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode disable request", slogError(err))
		s.reply(msg, protocol.ControlReply{Error: "invalid request"})
		return
	}
	removed, err := s.registry.Disable(s.ctx, req.ChannelID)
	if err != nil {
		s.logger.Warn("voice session did not stop cleanly", slog.String("channel", req.ChannelID), slogError(err))
	}
	if !removed {
		s.reply(msg, protocol.ControlReply{Error: errNotEnabled.Error()})
		return
	}
	s.reply(msg, protocol.ControlReply{OK: true, State: string(session.StateIdle)})
}

func (s *Service) handleQuery(msg *nats.Msg) {
	var req protocol.QueryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode query", slogError(err))
		s.reply(msg, protocol.ControlReply{Error: "invalid request"})
		return
	}
	sess, ok := s.registry.Get(req.ChannelID)
	if !ok {
		s.reply(msg, protocol.ControlReply{Error: errNotEnabled.Error()})
		return
	}
	trigger, err := sess.BeginQuery(s.ctx, req.Text)
	if err != nil {
		s.logRunError(req.ChannelID, "query", err)
		s.reply(msg, protocol.ControlReply{State: string(sess.State()), Error: err.Error()})
		return
	}
	s.start(msg, req.ChannelID, "query", sess, trigger)
}

func (s *Service) handleCaptureFinished(msg *nats.Msg) {
	var req protocol.CaptureFinished
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode capture event", slogError(err))
		return
	}
	sess, ok := s.registry.Get(req.ChannelID)
	if !ok {
		s.logger.Debug("capture finished on channel without session", slog.String("channel", req.ChannelID))
		s.reply(msg, protocol.ControlReply{Error: errNotEnabled.Error()})
		return
	}
	trigger, err := sess.BeginFinishCapture(s.ctx)
	if err != nil {
		s.logRunError(req.ChannelID, "capture", err)
		s.reply(msg, protocol.ControlReply{State: string(sess.State()), Error: err.Error()})
		return
	}
	s.start(msg, req.ChannelID, "capture", sess, trigger)
}

// start acknowledges a claimed run and executes it in the background. The
// reply is only sent once the session has accepted the run.
func (s *Service) start(msg *nats.Msg, channelID, kind string, sess *session.Session, trigger *session.Trigger) {
	s.wg.Add(1)
	s.reply(msg, protocol.ControlReply{OK: true, State: string(sess.State()), RunID: trigger.ID()})
	go func() {
		defer s.wg.Done()
		if _, err := trigger.Run(); err != nil {
			s.logRunError(channelID, kind, err)
		}
	}()
}

func (s *Service) logRunError(channelID, trigger string, err error) {
	switch {
	case errors.Is(err, session.ErrCanceled), errors.Is(err, session.ErrClosed):
		s.logger.Debug("run ended early", slog.String("channel", channelID), slog.String("trigger", trigger), slogError(err))
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotCapturing), errors.Is(err, session.ErrEmptyQuery):
		s.logger.Info("trigger ignored", slog.String("channel", channelID), slog.String("trigger", trigger), slogError(err))
	default:
		// Stage failures were already notified by the session.
		s.logger.Debug("run failed", slog.String("channel", channelID), slog.String("trigger", trigger), slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, rep protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(rep)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to reply", slogError(err))
	}
}

// OnTransition publishes the change on voice.session.state.
func (s *Service) OnTransition(t session.Transition) {
	change := protocol.StateChange{
		ChannelID: t.ChannelID,
		RunID:     t.RunID,
		From:      string(t.From),
		To:        string(t.To),
		Timestamp: t.At,
	}
	if err := s.bus.PublishJSON(protocol.SubjectSessionState, change); err != nil {
		s.logger.Warn("router failed to publish state change", slogError(err))
	}
}

// OnNotification publishes n on voice.notify.
func (s *Service) OnNotification(n protocol.Notification) {
	if err := s.bus.PublishJSON(protocol.SubjectNotify, n); err != nil {
		s.logger.Warn("router failed to publish notification", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
