package hub

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"board-hub/domain"
)

const (
	moveSpanName   = "hub.propose_move"
	moveLogMessage = "moves.request.metrics"
	tracerName     = "board-hub/hub"
)

type moveMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	req        domain.MoveRequest
	attempts   int
	rebalanced int
	version    int64
}

func startMoveMetrics(ctx context.Context, logger *log.Logger, req domain.MoveRequest) (context.Context, *moveMetrics) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, moveSpanName, trace.WithAttributes(
		attribute.String("board.id", req.BoardID),
		attribute.String("task.id", req.TaskID),
		attribute.String("column.id", req.ColumnID),
		attribute.Int64("task.expected_version", req.ExpectedVersion),
	))
	return ctx, &moveMetrics{logger: logger, span: span, start: time.Now(), req: req}
}

func (m *moveMetrics) ObserveAttempt() { m.attempts++ }

func (m *moveMetrics) ObserveResult(res domain.MoveResult) {
	m.rebalanced = len(res.Rebalanced)
	m.version = res.Position.Version
}

// Finish ends the span and writes one structured log entry per request.
func (m *moveMetrics) Finish(err error) {
	if m == nil {
		return
	}
	outcome := "committed"
	if err != nil {
		outcome = domain.Rejection(m.req.TaskID, m.req.BoardID, err).Reason
	}
	total := durationToMillis(time.Since(m.start))

	m.span.SetAttributes(
		attribute.Int("move.attempts", m.attempts),
		attribute.Int("move.rebalanced_rows", m.rebalanced),
		attribute.String("move.outcome", outcome),
		attribute.Float64("move.total_ms", total),
	)
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, outcome)
	} else {
		m.span.SetAttributes(attribute.Int64("task.version", m.version))
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"board":      m.req.BoardID,
		"task":       m.req.TaskID,
		"column":     m.req.ColumnID,
		"actor":      m.req.Actor,
		"attempts":   m.attempts,
		"rebalanced": m.rebalanced,
		"outcome":    outcome,
		"total_ms":   total,
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info(moveLogMessage)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
