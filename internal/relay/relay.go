package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"wx-dispatch/internal/domain"
	"wx-dispatch/internal/metrics"
	"wx-dispatch/internal/usecase"
)

type Dispatcher interface {
	Handle(ctx context.Context, ev domain.InboundEvent) ([]domain.OutboundMessage, error)
}

type Sender interface {
	SendMessage(ctx context.Context, msg domain.OutboundMessage) error
}

type correlationKey struct{}

// WithCorrelationID tags ctx with id for log correlation.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored in ctx, or a fresh one.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return newUUID()
}

var newUUID = func() string {
	return uuid.NewString()
}

// Relay runs an event through the dispatcher and delivers the replies.
type Relay struct {
	dispatcher Dispatcher
	sender     Sender
	logger     *slog.Logger
}

func New(d Dispatcher, s Sender, logger *slog.Logger) (*Relay, error) {
	if d == nil {
		return nil, errors.New("relay: dispatcher must not be nil")
	}
	if s == nil {
		return nil, errors.New("relay: sender must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{dispatcher: d, sender: s, logger: logger.With("component", "relay")}, nil
}

// Process dispatches ev and sends its replies in order, stopping at the first
// delivery failure. Dispatch errors still have their replies (the apology)
// delivered. Unrecognized events are logged and dropped without error.
func (r *Relay) Process(ctx context.Context, ev domain.InboundEvent) error {
	logger := r.logger.With("correlation_id", CorrelationID(ctx), "chat_id", ev.ChatID, "event_id", ev.EventID)

	msgs, err := r.dispatcher.Handle(ctx, ev)
	if err != nil {
		code := usecase.CodeOf(err)
		if code == usecase.ErrorUnrecognizedEvent {
			logger.Info("discarding unrecognized event", "kind", ev.Kind())
			err = nil
		} else {
			logger.Error("dispatch failed", "code", code, "err", err)
		}
	}

	for i, msg := range msgs {
		if sendErr := r.sender.SendMessage(ctx, msg); sendErr != nil {
			metrics.DeliveryFailures.Inc()
			logger.Error("failed to deliver reply", "index", i, "err", sendErr)
			return errors.Join(err, fmt.Errorf("relay: deliver reply %d: %w", i, sendErr))
		}
	}
	return err
}
