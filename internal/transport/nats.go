package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATS talks to a gateway process with request/reply over the bus.
type NATS struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *slog.Logger
}

func NewNATS(conn *nats.Conn, timeout time.Duration, logger *slog.Logger) *NATS {
	return &NATS{
		conn:    conn,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "gateway-transport")),
	}
}

func (n *NATS) request(ctx context.Context, subject string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	msg, err := n.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("%s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("%w: decode %s reply: %v", ErrGateway, subject, err)
	}
	return nil
}

func gatewayError(msg string) error {
	if msg == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrGateway, msg)
}

func (n *NATS) StartCapture(ctx context.Context, channelID string) (CaptureHandle, error) {
	var reply protocol.CaptureStartReply
	if err := n.request(ctx, protocol.SubjectCaptureStart, protocol.CaptureStartRequest{ChannelID: channelID}, &reply); err != nil {
		return CaptureHandle{}, err
	}
	if err := gatewayError(reply.Error); err != nil {
		return CaptureHandle{}, err
	}
	return CaptureHandle{ID: reply.HandleID, ChannelID: channelID}, nil
}

func (n *NATS) StopCapture(ctx context.Context, handle CaptureHandle) (map[string][]byte, error) {
	var reply protocol.CaptureStopReply
	req := protocol.CaptureStopRequest{ChannelID: handle.ChannelID, HandleID: handle.ID}
	if err := n.request(ctx, protocol.SubjectCaptureStop, req, &reply); err != nil {
		return nil, err
	}
	if err := gatewayError(reply.Error); err != nil {
		return nil, err
	}
	n.logger.Debug("capture stopped", slog.String("channel", handle.ChannelID), slog.Int("speakers", len(reply.Segments)))
	return reply.Segments, nil
}

func (n *NATS) StartPlayback(ctx context.Context, channelID string, audio []byte) error {
	var reply protocol.PlaybackReply
	if err := n.request(ctx, protocol.SubjectPlaybackStart, protocol.PlaybackStartRequest{ChannelID: channelID, Audio: audio}, &reply); err != nil {
		return err
	}
	return gatewayError(reply.Error)
}

func (n *NATS) IsPlaying(ctx context.Context, channelID string) (bool, error) {
	var reply protocol.PlaybackReply
	if err := n.request(ctx, protocol.SubjectPlaybackStatus, protocol.PlaybackChannelRequest{ChannelID: channelID}, &reply); err != nil {
		return false, err
	}
	if err := gatewayError(reply.Error); err != nil {
		return false, err
	}
	return reply.Playing, nil
}

func (n *NATS) StopPlayback(ctx context.Context, channelID string) error {
	var reply protocol.PlaybackReply
	if err := n.request(ctx, protocol.SubjectPlaybackStop, protocol.PlaybackChannelRequest{ChannelID: channelID}, &reply); err != nil {
		return err
	}
	return gatewayError(reply.Error)
}
