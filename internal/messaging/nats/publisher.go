package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phan28395/PDFTEXT-sub002/internal/correlation"
	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/messaging"
)

// Publisher publishes engine output to NATS subjects.
type Publisher struct {
	client messaging.Publisher
	logger *slog.Logger
}

// NewPublisher creates a new publisher.
func NewPublisher(client messaging.Publisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher{client: client, logger: logger}
}

// AlertCreated publishes a threat alert. It satisfies correlation.Notifier;
// publish failures are logged.
func (p *Publisher) AlertCreated(ctx context.Context, alert *correlation.Alert) {
	if err := p.publish(ctx, messaging.SubjectAlertsCreated, alert); err != nil {
		p.logger.Error("failed to publish alert",
			logging.AlertID(alert.ID), logging.PatternID(alert.PatternID), logging.Error(err))
	}
}

// Publish marshals v to JSON and publishes it on subject.
func (p *Publisher) Publish(ctx context.Context, subject string, v interface{}) error {
	return p.publish(ctx, subject, v)
}

func (p *Publisher) publish(ctx context.Context, subject string, data interface{}) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.client.Publish(ctx, subject, bytes)
}
