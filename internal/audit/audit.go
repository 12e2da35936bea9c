package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeKeyGenerate represents a key generation operation.
	EventTypeKeyGenerate EventType = "key_generate"
	// EventTypeKeyImport represents a key import operation.
	EventTypeKeyImport EventType = "key_import"
	// EventTypeKeyExport represents a key export operation.
	EventTypeKeyExport EventType = "key_export"
	// EventTypeKeyDestroy represents a key destruction operation.
	EventTypeKeyDestroy EventType = "key_destroy"
	// EventTypeEncrypt represents an encryption operation.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a decryption operation.
	EventTypeDecrypt EventType = "decrypt"
)

// AuditEvent represents a single audit log event. Key material never
// appears here; events carry identifiers and algorithm names only.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	KeyID     string                 `json:"key_id,omitempty"`
	Algorithm string                 `json:"algorithm,omitempty"`
	Format    string                 `json:"format,omitempty"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogKeyOperation logs a key lifecycle operation (generate, import,
	// export, destroy).
	LogKeyOperation(eventType EventType, keyID, algorithm, format string, success bool, err error, duration time.Duration)

	// LogCipherOperation logs an encrypt or decrypt call.
	LogCipherOperation(eventType EventType, keyID, algorithm string, dataSize int, success bool, err error, duration time.Duration)
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Audit writing is best effort; a failing writer must not fail the
	// operation being audited.
	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	// Store in memory buffer
	l.events = append(l.events, event)

	// Maintain max events limit
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// LogKeyOperation logs a key lifecycle operation.
func (l *auditLogger) LogKeyOperation(eventType EventType, keyID, algorithm, format string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		KeyID:     keyID,
		Algorithm: algorithm,
		Format:    format,
		Success:   success,
		Duration:  duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogCipherOperation logs an encrypt or decrypt call.
func (l *auditLogger) LogCipherOperation(eventType EventType, keyID, algorithm string, dataSize int, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		KeyID:     keyID,
		Algorithm: algorithm,
		Success:   success,
		Duration:  duration,
		Metadata:  map[string]interface{}{"data_size": dataSize},
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes events to stdout as JSON lines.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	fmt.Printf("%s\n", string(data))
	return nil
}
