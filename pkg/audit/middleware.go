// Package audit records administrative actions and audited HTTP requests as
// structured log lines under the "audit" group.
package audit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/learnhub/devicegate/pkg/client"
)

// Event represents an audit event
type Event struct {
	Action    string
	ActorID   uuid.UUID
	ActorRole string
	TargetID  string
	Outcome   string
	URI       string
	Method    string
	Message   string
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// WithMetadata adds metadata to the audit event
func (e Event) WithMetadata(key string, value interface{}) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Recorder is implemented by Logger; services depend on this
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Logger writes audit events through slog
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates an audit logger. A nil logger uses slog.Default().
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.WithGroup("audit")}
}

func (l *Logger) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		slog.String("action", event.Action),
		slog.String("outcome", event.Outcome),
		slog.Time("timestamp", event.Timestamp),
	}
	if event.ActorID != uuid.Nil {
		attrs = append(attrs, slog.String("actor", event.ActorID.String()), slog.String("actorRole", event.ActorRole))
	}
	if event.TargetID != "" {
		attrs = append(attrs, slog.String("target", event.TargetID))
	}
	if event.Method != "" {
		attrs = append(attrs, slog.String("method", event.Method), slog.String("uri", event.URI))
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		attrs = append(attrs, slog.String("requestID", reqID))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.InfoContext(ctx, "audit event", attrs...)
}

// Middleware audits every request passing through it, recording the
// authenticated caller and the response status.
type Middleware struct {
	recorder Recorder
}

func NewMiddleware(recorder Recorder) *Middleware {
	return &Middleware{recorder: recorder}
}

// AuditAuthMiddleware is an HTTP middleware that audits authenticated requests
func (m *Middleware) AuditAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		event := Event{
			Action:    "http.request",
			URI:       r.RequestURI,
			Method:    r.Method,
			Timestamp: time.Now().UTC(),
		}
		if user, ok := client.FromContext(r.Context()); ok {
			event.ActorID = user.UserID
			event.ActorRole = user.Role
		} else {
			event.Message = "No jwt token"
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event.Outcome = http.StatusText(status)
		m.recorder.Record(r.Context(), event.WithMetadata("status", status))
	})
}
