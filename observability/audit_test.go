package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordingAdapter captures events for assertions.
type recordingAdapter struct {
	events []*AuditEvent
}

func (a *recordingAdapter) LogEvent(event *AuditEvent) error {
	a.events = append(a.events, event)
	return nil
}

func TestNewAuditEvent(t *testing.T) {
	event := NewAuditEvent(context.Background(), SessionCreated, SeverityInfo, "session created")

	if event.EventType != SessionCreated {
		t.Errorf("Expected session_created, got %s", event.EventType)
	}
	if event.Severity != SeverityInfo {
		t.Errorf("Expected info severity, got %s", event.Severity)
	}
	if event.Timestamp.IsZero() {
		t.Error("Expected timestamp set")
	}
	if event.TraceID != "" || event.SpanID != "" {
		t.Error("Expected no trace context without an active span")
	}
}

func TestNewAuditEventStampsTraceContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(provider)
	defer provider.Shutdown(context.Background())

	ctx, span := otel.Tracer("test").Start(context.Background(), "audited-op")
	defer span.End()

	event := NewAuditEvent(ctx, MemoryStored, SeverityInfo, "chunk stored")
	if event.TraceID != span.SpanContext().TraceID().String() {
		t.Errorf("Expected trace id %s, got %s", span.SpanContext().TraceID(), event.TraceID)
	}
	if event.SpanID != span.SpanContext().SpanID().String() {
		t.Errorf("Expected span id %s, got %s", span.SpanContext().SpanID(), event.SpanID)
	}
}

func TestStructuredAuditAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewStructuredAuditAdapter(&buf)

	event := NewAuditEvent(context.Background(), SessionDeleted, SeverityInfo, "session deleted")
	event.Actor = "user-1"
	event.Resource = "s-1"
	if err := adapter.LogEvent(event); err != nil {
		t.Fatalf("Failed to log event: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Output is not valid JSON: %v", err)
	}
	if decoded["event_type"] != "session_deleted" {
		t.Errorf("Expected session_deleted, got %v", decoded["event_type"])
	}
	if decoded["actor"] != "user-1" || decoded["resource"] != "s-1" {
		t.Errorf("Expected actor/resource preserved, got %v", decoded)
	}
}

func TestFileAuditAdapter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	adapter, err := NewFileAuditAdapter(path)
	if err != nil {
		t.Fatalf("Failed to create file adapter: %v", err)
	}

	for _, eventType := range []AuditEventType{SessionCreated, SessionArchived} {
		event := NewAuditEvent(context.Background(), eventType, SeverityInfo, string(eventType))
		if err := adapter.LogEvent(event); err != nil {
			t.Fatalf("Failed to log event: %v", err)
		}
	}
	if err := adapter.Close(); err != nil {
		t.Fatalf("Failed to close adapter: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Errorf("Line is not valid JSON: %v", err)
		}
	}
}

func TestAuditLoggerFansOut(t *testing.T) {
	first := &recordingAdapter{}
	second := &recordingAdapter{}
	logger := NewAuditLogger(first, second)

	event := NewAuditEvent(context.Background(), ValidationFailure, SeverityWarning, "bad importance")
	logger.LogEvent(event)

	if len(first.events) != 1 || len(second.events) != 1 {
		t.Errorf("Expected both adapters to receive the event, got %d / %d",
			len(first.events), len(second.events))
	}
}

func TestLogSessionEvent(t *testing.T) {
	adapter := &recordingAdapter{}
	logger := NewAuditLogger(adapter)

	logger.LogSessionEvent(context.Background(), SessionCreated, "user-1", "s-1")

	if len(adapter.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(adapter.events))
	}
	event := adapter.events[0]
	if event.EventType != SessionCreated || event.Actor != "user-1" || event.Resource != "s-1" {
		t.Errorf("Unexpected event %+v", event)
	}
	if event.Result != "success" {
		t.Errorf("Expected success result, got %s", event.Result)
	}
}

func TestLogCompression(t *testing.T) {
	adapter := &recordingAdapter{}
	logger := NewAuditLogger(adapter)

	logger.LogCompression(context.Background(), "s-1", "semantic", 30, 9, true)
	logger.LogCompression(context.Background(), "s-1", "importance", 5, 5, false)

	if len(adapter.events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(adapter.events))
	}
	replaced, recorded := adapter.events[0], adapter.events[1]
	if replaced.Result != "replaced" || recorded.Result != "recorded" {
		t.Errorf("Expected replaced/recorded results, got %s / %s", replaced.Result, recorded.Result)
	}
	if replaced.Metadata["strategy"] != "semantic" {
		t.Errorf("Expected strategy metadata, got %v", replaced.Metadata)
	}
	if replaced.Metadata["original_count"] != 30 || replaced.Metadata["compressed_count"] != 9 {
		t.Errorf("Expected counts in metadata, got %v", replaced.Metadata)
	}
}

func TestLogLimitExceeded(t *testing.T) {
	adapter := &recordingAdapter{}
	logger := NewAuditLogger(adapter)

	logger.LogLimitExceeded(context.Background(), "user-1", 100)

	if len(adapter.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(adapter.events))
	}
	event := adapter.events[0]
	if event.EventType != LimitExceeded || event.Severity != SeverityWarning {
		t.Errorf("Unexpected event %+v", event)
	}
	if event.Metadata["limit"] != 100 {
		t.Errorf("Expected limit metadata, got %v", event.Metadata["limit"])
	}
}

func TestNilAuditLoggerIsSafe(t *testing.T) {
	var logger *AuditLogger
	ctx := context.Background()

	logger.LogEvent(NewAuditEvent(ctx, SessionCreated, SeverityInfo, "dropped"))
	logger.LogSessionEvent(ctx, SessionDeleted, "user-1", "s-1")
	logger.LogCompression(ctx, "s-1", "semantic", 10, 3, true)
	logger.LogLimitExceeded(ctx, "user-1", 100)
}
