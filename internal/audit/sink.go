package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/messaging"
)

// Sink delivers audit records.
type Sink interface {
	Export(ctx context.Context, r Record) error
}

// LogSink writes records to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String(logging.FieldComponent, "audit"))}
}

func (s *LogSink) Export(ctx context.Context, r Record) error {
	attrs := []any{
		slog.String("audit_id", r.ID),
		logging.Action(r.ActionType),
		logging.Identity(r.Identity),
		logging.Reason(r.Reason),
	}
	if r.PatternID != "" {
		attrs = append(attrs, logging.PatternID(r.PatternID))
	}
	if r.AlertID != "" {
		attrs = append(attrs, logging.AlertID(r.AlertID))
	}
	if r.DurationMs != nil {
		attrs = append(attrs, slog.Int64(logging.FieldDuration, *r.DurationMs))
	}
	s.logger.InfoContext(ctx, "mitigation audit", attrs...)
	return nil
}

// PublisherSink publishes records as JSON on a message bus subject.
type PublisherSink struct {
	pub     messaging.Publisher
	subject string
}

func NewPublisherSink(pub messaging.Publisher, subject string) *PublisherSink {
	if subject == "" {
		subject = messaging.SubjectMitigationsApplied
	}
	return &PublisherSink{pub: pub, subject: subject}
}

func (s *PublisherSink) Export(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	return s.pub.Publish(ctx, s.subject, data)
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Export(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Export(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
