package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AuditEventType labels the lifecycle events worth keeping a durable
// trail of. Memory stores user conversation content, so creation,
// deletion, and compression of sessions are compliance-relevant.
type AuditEventType string

const (
	SessionCreated    AuditEventType = "session_created"
	SessionArchived   AuditEventType = "session_archived"
	SessionDeleted    AuditEventType = "session_deleted"
	MemoryStored      AuditEventType = "memory_stored"
	MemoryCompressed  AuditEventType = "memory_compressed"
	LimitExceeded     AuditEventType = "limit_exceeded"
	ValidationFailure AuditEventType = "validation_failure"
)

// AuditSeverity is the severity level of an audit event.
type AuditSeverity string

const (
	SeverityInfo    AuditSeverity = "info"
	SeverityWarning AuditSeverity = "warning"
	SeverityError   AuditSeverity = "error"
)

// AuditEvent is one structured audit record.
type AuditEvent struct {
	EventType AuditEventType         `json:"event_type"`
	Severity  AuditSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
}

// NewAuditEvent creates an audit event stamped with the trace context
// from ctx when a span is active.
func NewAuditEvent(ctx context.Context, eventType AuditEventType, severity AuditSeverity, message string) *AuditEvent {
	event := &AuditEvent{
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		event.SpanID = span.SpanContext().SpanID().String()
	}
	return event
}

// AuditAdapter is the sink interface for audit records.
type AuditAdapter interface {
	LogEvent(event *AuditEvent) error
}

// StructuredAuditAdapter writes one JSON object per event.
type StructuredAuditAdapter struct {
	Writer io.Writer
	mu     sync.Mutex
}

// NewStructuredAuditAdapter creates a JSON adapter; nil writer means
// stdout.
func NewStructuredAuditAdapter(writer io.Writer) *StructuredAuditAdapter {
	if writer == nil {
		writer = os.Stdout
	}
	return &StructuredAuditAdapter{Writer: writer}
}

// LogEvent writes the event as a JSON line.
func (a *StructuredAuditAdapter) LogEvent(event *AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	_, err = fmt.Fprintln(a.Writer, string(data))
	return err
}

// FileAuditAdapter appends JSON events to a file.
type FileAuditAdapter struct {
	FilePath string
	file     *os.File
	mu       sync.Mutex
}

// NewFileAuditAdapter opens (or creates) the audit log file.
func NewFileAuditAdapter(filePath string) (*FileAuditAdapter, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileAuditAdapter{FilePath: filePath, file: file}, nil
}

// LogEvent appends the event as a JSON line.
func (a *FileAuditAdapter) LogEvent(event *AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	_, err = fmt.Fprintln(a.file, string(data))
	return err
}

// Close closes the underlying file.
func (a *FileAuditAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// AuditLogger fans audit events out to its adapters. A nil *AuditLogger
// is valid and drops everything, so callers never need to guard.
type AuditLogger struct {
	adapters []AuditAdapter
	mu       sync.RWMutex
}

// NewAuditLogger creates an audit logger; with no adapters it writes
// JSON to stdout.
func NewAuditLogger(adapters ...AuditAdapter) *AuditLogger {
	if len(adapters) == 0 {
		adapters = []AuditAdapter{NewStructuredAuditAdapter(nil)}
	}
	return &AuditLogger{adapters: adapters}
}

// LogEvent delivers the event to every adapter. Adapter failures are
// reported to stderr and never propagate to the caller.
func (l *AuditLogger) LogEvent(event *AuditEvent) {
	if l == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, adapter := range l.adapters {
		if err := adapter.LogEvent(event); err != nil {
			fmt.Fprintf(os.Stderr, "audit adapter error: %v\n", err)
		}
	}
}

// LogSessionEvent records a session lifecycle transition.
func (l *AuditLogger) LogSessionEvent(ctx context.Context, eventType AuditEventType, userID, sessionID string) {
	if l == nil {
		return
	}
	event := NewAuditEvent(ctx, eventType, SeverityInfo,
		fmt.Sprintf("%s for session %s", eventType, sessionID))
	event.Actor = userID
	event.Resource = sessionID
	event.Result = "success"
	l.LogEvent(event)
}

// LogCompression records a finished compression run and whether it
// actually replaced the chunk set.
func (l *AuditLogger) LogCompression(ctx context.Context, sessionID, strategy string, originalCount, compressedCount int, replaced bool) {
	if l == nil {
		return
	}
	result := "recorded"
	if replaced {
		result = "replaced"
	}
	event := NewAuditEvent(ctx, MemoryCompressed, SeverityInfo,
		fmt.Sprintf("compressed session %s from %d to %d chunks", sessionID, originalCount, compressedCount))
	event.Resource = sessionID
	event.Result = result
	event.Metadata["strategy"] = strategy
	event.Metadata["original_count"] = originalCount
	event.Metadata["compressed_count"] = compressedCount
	l.LogEvent(event)
}

// LogLimitExceeded records a rejected session creation.
func (l *AuditLogger) LogLimitExceeded(ctx context.Context, userID string, limit int) {
	if l == nil {
		return
	}
	event := NewAuditEvent(ctx, LimitExceeded, SeverityWarning,
		fmt.Sprintf("user %s reached the session limit of %d", userID, limit))
	event.Actor = userID
	event.Result = "rejected"
	event.Metadata["limit"] = limit
	l.LogEvent(event)
}
