package audit

import (
	"context"
	"log/slog"

	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/metrics"
)

const DefaultBufferSize = 1024

// Exporter hands records to a Sink on a background goroutine. Emit never
// blocks: records are dropped when the buffer is full.
type Exporter struct {
	sink   Sink
	signer *Signer
	logger *slog.Logger
	queue  chan Record
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithSigner signs every record before export.
func WithSigner(s *Signer) ExporterOption {
	return func(e *Exporter) { e.signer = s }
}

// WithLogger sets the exporter logger.
func WithLogger(l *slog.Logger) ExporterOption {
	return func(e *Exporter) { e.logger = l }
}

func NewExporter(sink Sink, bufferSize int, opts ...ExporterOption) *Exporter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	e := &Exporter{
		sink:   sink,
		logger: logging.Discard(),
		queue:  make(chan Record, bufferSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String(logging.FieldComponent, "audit-exporter"))
	return e
}

// Emit queues r for export.
func (e *Exporter) Emit(r Record) {
	if e.signer != nil {
		r.Signature = e.signer.Sign(r)
	}
	select {
	case e.queue <- r:
		metrics.AuditQueueDepth.Set(float64(e.pending()))
	default:
		metrics.AuditDropped.WithLabelValues("queue_full").Inc()
		e.logger.Warn("audit buffer full, dropping record",
			logging.Action(r.ActionType), logging.Identity(r.Identity))
	}
}

// Run exports queued records until ctx is cancelled, then flushes what is
// already buffered. This should be called in a goroutine.
func (e *Exporter) Run(ctx context.Context) {
	for {
		select {
		case r := <-e.queue:
			e.export(ctx, r)
		case <-ctx.Done():
			e.flush()
			return
		}
	}
}

func (e *Exporter) flush() {
	ctx := context.Background()
	for {
		select {
		case r := <-e.queue:
			e.export(ctx, r)
		default:
			return
		}
	}
}

func (e *Exporter) export(ctx context.Context, r Record) {
	metrics.AuditQueueDepth.Set(float64(e.pending()))
	if err := e.sink.Export(ctx, r); err != nil {
		metrics.AuditDropped.WithLabelValues("sink_error").Inc()
		e.logger.Error("failed to export audit record", slog.String("audit_id", r.ID), logging.Error(err))
		return
	}
	metrics.AuditExported.Inc()
}

func (e *Exporter) pending() int {
	return len(e.queue)
}
