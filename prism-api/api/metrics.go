package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "prism-board/prism-api"
	requestEventName    = "prism.api.board.request"
	requestEventDomain  = "app"
	requestSpanName     = "prism.api.board"

	attrRoute         = "http.route"
	attrMethod        = "http.method"
	attrStatusCode    = "http.status_code"
	attrTotalMillis   = "prism.board.total_ms"
	attrAuthMillis    = "prism.board.auth_ms"
	attrBoardMillis   = "prism.board.board_ms"
	attrItemsReturned = "prism.board.items_returned"
	attrIdempotent    = "prism.board.idempotency_key"
	attrErrorStage    = "prism.board.error_stage"
	attrErrorMessage  = "error.message"
)

// requestMetrics records one API request as a log entry and a span.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	route  string
	method string

	authDuration  time.Duration
	boardDuration time.Duration
	itemsReturned int
	idempotent    bool
	errorStage    string
	failure       error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(instrumentationName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String(attrRoute, route), attribute.String(attrMethod, method)),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		route:  route,
		method: method,
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveBoard(d time.Duration) {
	if d > 0 {
		m.boardDuration = d
	}
}

func (m *requestMetrics) SetItemsReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.itemsReturned = n
}

func (m *requestMetrics) SetIdempotent(v bool) { m.idempotent = v }

// Fail records where the request failed. The first stage wins.
func (m *requestMetrics) Fail(stage string, err error) {
	if stage == "" || m.errorStage != "" {
		return
	}
	m.errorStage = stage
	m.failure = err
}

// Log emits the observability event and ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.failure
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		attrRoute:         m.route,
		attrMethod:        m.method,
		attrStatusCode:    status,
		attrTotalMillis:   durationToMillis(time.Since(m.start)),
		attrItemsReturned: m.itemsReturned,
		attrIdempotent:    m.idempotent,
	}
	if m.authDuration > 0 {
		attrs[attrAuthMillis] = durationToMillis(m.authDuration)
	}
	if m.boardDuration > 0 {
		attrs[attrBoardMillis] = durationToMillis(m.boardDuration)
	}
	if m.errorStage != "" {
		attrs[attrErrorStage] = m.errorStage
	}
	if err != nil {
		attrs[attrErrorMessage] = err.Error()
	}

	if m.span != nil {
		kvs := toAttributes(attrs)
		m.span.SetAttributes(kvs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(append(kvs,
			attribute.String("event.name", requestEventName),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		)...))
		if severityNumber >= severityError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"body":            m.method + " " + m.route,
		"attributes":      attrs,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch {
	case severityNumber >= severityError:
		entry.Error("observability.event")
	case severityNumber >= severityWarn:
		entry.Warn("observability.event")
	default:
		entry.Info("observability.event")
	}
}

const (
	severityInfo  = 9
	severityWarn  = 13
	severityError = 17
)

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", severityError
	case status >= http.StatusBadRequest:
		return "WARN", severityWarn
	case status == 0 && err != nil:
		return "ERROR", severityError
	default:
		return "INFO", severityInfo
	}
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
