package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go-social/internal/presence"

	"github.com/go-playground/validator/v10"
)

// MessageStore is the durable boundary the relay writes through.
type MessageStore interface {
	InsertMessage(ctx context.Context, m NewMessage) (*Message, error)
}

// PeerPublisher forwards a payload to other instances that may hold the receiver.
type PeerPublisher interface {
	Publish(ctx context.Context, receiverID string, payload []byte) error
}

type Delivery int

const (
	DeliveryNone Delivery = iota
	DeliveryDelivered
	DeliveryOffline
	DeliveryFailed
	DeliveryForwarded
)

type Result struct {
	Message  *Message
	Delivery Delivery
}

type inbound struct {
	SenderID   string  `validate:"required"`
	ReceiverID string  `validate:"required"`
	Text       string  `validate:"required"`
	MediaURL   *string
}

type RelayOptions struct {
	// ErrorEvents sends message_error to the sender on rejection or store failure.
	ErrorEvents bool
	Peers       PeerPublisher
}

// Relay persists a send_message event, then pushes it to the receiver if reachable
// and always echoes it back to the sender.
type Relay struct {
	store       MessageStore
	registry    *presence.Registry
	peers       PeerPublisher
	metrics     *Metrics
	log         *slog.Logger
	validate    *validator.Validate
	errorEvents bool
}

func NewRelay(store MessageStore, registry *presence.Registry, metrics *Metrics, log *slog.Logger, opts RelayOptions) *Relay {
	return &Relay{
		store:       store,
		registry:    registry,
		peers:       opts.Peers,
		metrics:     metrics,
		log:         log,
		validate:    validator.New(),
		errorEvents: opts.ErrorEvents,
	}
}

// Handle processes one send_message event from sender. Failures never escape to the caller's
// connection loop as fatal; the returned error only describes why nothing was echoed.
func (r *Relay) Handle(ctx context.Context, sender presence.Conn, ev SendMessageEvent) (Result, error) {
	in := inbound{
		SenderID:   strings.TrimSpace(ev.Message.SenderID),
		ReceiverID: strings.TrimSpace(ev.ReceiverID),
		Text:       ev.Message.Text,
		MediaURL:   ev.Message.MediaURL,
	}
	if err := r.validate.Struct(in); err != nil || strings.TrimSpace(in.Text) == "" {
		r.metrics.rejected.Inc()
		r.log.Debug("rejected send_message", "connection_id", sender.ID(), "error", err)
		r.sendError(sender, "invalid_message", "senderId, receiverId and text are required")
		return Result{}, ErrInvalidMessage
	}

	// One attempt only: a blind retry could store the message twice.
	msg, err := r.store.InsertMessage(ctx, NewMessage{
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Text,
		MediaURL:   in.MediaURL,
		Status:     StatusSent,
	})
	if err != nil {
		r.metrics.persistFailures.Inc()
		r.log.Error("failed to persist message",
			"sender_id", in.SenderID, "receiver_id", in.ReceiverID, "error", err)
		r.sendError(sender, "persist_failed", "message could not be saved")
		return Result{}, fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	r.metrics.persisted.Inc()

	payload, err := encodeEvent(EventReceiveMessage, NewOutboundMessage(msg))
	if err != nil {
		// The record is stored; only the live fan-out is lost.
		r.log.Error("failed to encode message", "message_id", msg.ID, "error", err)
		return Result{Message: msg}, nil
	}

	res := Result{Message: msg, Delivery: r.deliver(ctx, sender, in.ReceiverID, msg.ID, payload)}

	if err := sender.Send(payload); err != nil {
		r.log.Warn("sender echo dropped", "message_id", msg.ID, "connection_id", sender.ID(), "error", err)
	}
	return res, nil
}

func (r *Relay) deliver(ctx context.Context, sender presence.Conn, receiverID, messageID string, payload []byte) Delivery {
	conn, ok := r.registry.Lookup(receiverID)
	if !ok {
		if r.peers == nil {
			r.metrics.deliveries.WithLabelValues(deliveryOffline).Inc()
			return DeliveryOffline
		}
		if err := r.peers.Publish(ctx, receiverID, payload); err != nil {
			r.metrics.deliveries.WithLabelValues(deliveryFailed).Inc()
			r.log.Warn("peer publish failed", "message_id", messageID, "receiver_id", receiverID, "error", err)
			return DeliveryFailed
		}
		r.metrics.deliveries.WithLabelValues(deliveryPeer).Inc()
		return DeliveryForwarded
	}

	// Messages to self reach the sender through the echo below.
	if conn.ID() == sender.ID() {
		r.metrics.deliveries.WithLabelValues(deliveryDelivered).Inc()
		return DeliveryDelivered
	}

	if err := conn.Send(payload); err != nil {
		r.metrics.deliveries.WithLabelValues(deliveryFailed).Inc()
		level := slog.LevelWarn
		if errors.Is(err, ErrSessionClosed) {
			level = slog.LevelDebug
		}
		r.log.Log(ctx, level, "receiver delivery failed",
			"message_id", messageID, "receiver_id", receiverID, "error", err)
		return DeliveryFailed
	}
	r.metrics.deliveries.WithLabelValues(deliveryDelivered).Inc()
	return DeliveryDelivered
}

func (r *Relay) sendError(sender presence.Conn, code, message string) {
	if !r.errorEvents {
		return
	}
	payload, err := encodeEvent(EventMessageError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := sender.Send(payload); err != nil {
		r.log.Debug("error event dropped", "connection_id", sender.ID(), "error", err)
	}
}
