package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/messaging"
	"github.com/phan28395/PDFTEXT-sub002/internal/metrics"
	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

// Ingestor accepts security events.
type Ingestor interface {
	Ingest(ctx context.Context, event models.SecurityEvent) error
}

// EventHandler consumes security events from the bus.
type EventHandler struct {
	sub      messaging.Subscriber
	ingestor Ingestor
	queue    string
	logger   *slog.Logger
	subs     []messaging.Subscription
}

// NewEventHandler creates a handler that feeds events into ingestor.
// An empty queue uses messaging.QueueEventWorkers.
func NewEventHandler(sub messaging.Subscriber, ingestor Ingestor, queue string, logger *slog.Logger) *EventHandler {
	if queue == "" {
		queue = messaging.QueueEventWorkers
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &EventHandler{
		sub:      sub,
		ingestor: ingestor,
		queue:    queue,
		logger:   logger.With(slog.String(logging.FieldComponent, "event-subscriber")),
	}
}

// Start subscribes to the security event subject.
func (h *EventHandler) Start() error {
	sub, err := h.sub.QueueSubscribe(messaging.SubjectSecurityEvents, h.queue, h.handleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to security events: %w", err)
	}
	h.subs = append(h.subs, sub)
	h.logger.Info("subscribed to security events",
		slog.String("subject", messaging.SubjectSecurityEvents), slog.String("queue", h.queue))
	return nil
}

// Stop unsubscribes from all subjects.
func (h *EventHandler) Stop() {
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe", slog.String("subject", sub.Subject()), logging.Error(err))
		}
	}
	h.subs = nil
}

func (h *EventHandler) handleEvent(ctx context.Context, msg *messaging.Message) error {
	var event models.SecurityEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		metrics.EventsIngested.WithLabelValues("nats", "invalid").Inc()
		return fmt.Errorf("failed to unmarshal security event: %w", err)
	}
	if err := h.ingestor.Ingest(ctx, event); err != nil {
		return fmt.Errorf("failed to ingest security event: %w", err)
	}
	return nil
}
