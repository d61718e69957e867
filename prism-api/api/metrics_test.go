package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"prism-board/domain"
	"prism-board/storage"
)

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	})
	return tp, exporter
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestRequestMetricsLogProducesObservabilityEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})
	_, exporter := setupTestTracer(t)

	metrics, ctx := newRequestMetrics(context.Background(), logger, http.MethodGet, "/api/sections/:id/tasks")
	if ctx == nil {
		t.Fatal("expected span context")
	}
	metrics.start = metrics.start.Add(-20 * time.Millisecond)
	metrics.ObserveAuth(2 * time.Millisecond)
	metrics.ObserveBoard(5 * time.Millisecond)
	metrics.SetItemsReturned(3)
	metrics.Log(http.StatusOK, nil)

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "observability.event" {
		t.Fatalf("unexpected log entry: %#v", entry)
	}
	if entry.Data["event.name"] != requestEventName || entry.Data["severity_text"] != "INFO" {
		t.Fatalf("unexpected fields: %#v", entry.Data)
	}
	attrs, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not logged as map: %#v", entry.Data["attributes"])
	}
	if attrs[attrRoute] != "/api/sections/:id/tasks" || attrs[attrItemsReturned] != 3 {
		t.Fatalf("unexpected attributes: %#v", attrs)
	}
	if traceID, ok := entry.Data["trace_id"].(string); !ok || traceID == "" {
		t.Fatalf("expected trace_id, got %#v", entry.Data["trace_id"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != requestSpanName || span.Status.Code != codes.Ok {
		t.Fatalf("unexpected span %s status %v", span.Name, span.Status.Code)
	}
	spanAttrs := attributesToMap(span.Attributes)
	if code, ok := spanAttrs[attrStatusCode].(int64); !ok || code != http.StatusOK {
		t.Fatalf("unexpected status attribute %#v", spanAttrs[attrStatusCode])
	}
	found := false
	for _, ev := range span.Events {
		if ev.Name == "observability.event" {
			found = attributesToMap(ev.Attributes)["event.name"] == requestEventName
		}
	}
	if !found {
		t.Fatalf("expected observability.event span event, got %#v", span.Events)
	}
}

func TestRequestMetricsFailureSetsErrorStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	_, exporter := setupTestTracer(t)

	metrics, _ := newRequestMetrics(context.Background(), logger, http.MethodPost, "/api/items/:id/move")
	boom := errors.New("storage failure")
	metrics.Fail("board", boom)
	metrics.Fail("encode", errors.New("ignored"))
	metrics.Log(http.StatusInternalServerError, nil)

	span := exporter.GetSpans()[0]
	if span.Status.Code != codes.Error || span.Status.Description != boom.Error() {
		t.Fatalf("unexpected span status %+v", span.Status)
	}
	attrs := attributesToMap(span.Attributes)
	if attrs[attrErrorStage] != "board" || attrs[attrErrorMessage] != boom.Error() {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
	if hook.LastEntry().Level != log.ErrorLevel {
		t.Fatalf("expected error level, got %v", hook.LastEntry().Level)
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{http.StatusOK, nil, "INFO", 9},
		{http.StatusConflict, nil, "WARN", 13},
		{http.StatusServiceUnavailable, nil, "ERROR", 17},
		{0, errors.New("x"), "ERROR", 17},
	}
	for _, tt := range tests {
		gotText, gotNumber := severityForStatus(tt.status, tt.err)
		if gotText != tt.wantText || gotNumber != tt.wantNumber {
			t.Fatalf("severityForStatus(%d, %v) = %s/%d, want %s/%d", tt.status, tt.err, gotText, gotNumber, tt.wantText, tt.wantNumber)
		}
	}
}

func TestHandlerEmitsOneSpanPerRequest(t *testing.T) {
	_, exporter := setupTestTracer(t)
	logger, hook := test.NewNullLogger()
	e := echo.New()
	Register(e, domain.NewBoard(storage.NewMemoryStore(), logger), headerAuth{}, nil, nil, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/items/missing", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer alice")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := attributesToMap(spans[0].Attributes)
	if attrs[attrRoute] != "/api/items/:id" || attrs[attrErrorStage] != "board" {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != log.WarnLevel {
		t.Fatalf("expected a warn observability entry, got %#v", hook.LastEntry())
	}
}
