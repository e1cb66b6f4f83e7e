package middleware

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

/*
LEARNING: DISTRIBUTED TRACING & OBSERVABILITY

Tracing helps you:
1. Track requests through the entire system
2. Identify performance bottlenecks
3. Debug errors with full context
4. Understand request flow in distributed systems

Key concepts:
- Trace: End-to-end request flow
- Span: Single operation in a trace
- Context: Passes trace information between functions

This middleware uses OpenTelemetry, the standard for distributed tracing.

WebSocket upgrades pass through the same chain. The wrapped writer must
still support Hijack, and the request span then lasts as long as the
editing session, with the session's own spans nested under it.
*/

var tracer = otel.Tracer("collab-live")

type contextKey string

const requestIDKey contextKey = "request_id"

// TracingMiddleware adds distributed tracing to HTTP requests
// Learning: Creates a root span for each request and propagates context
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Generate request ID using KSUID (time-ordered, for log correlation)
		requestID := ksuid.New().String()

		// Start a new span for this HTTP request
		// Learning: This is the "root span" for the request
		ctx, span := tracer.Start(r.Context(), fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.user_agent", r.Header.Get("User-Agent")),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		// Add request ID to context
		// Learning: Context is the Go way to pass request-scoped data
		ctx = context.WithValue(ctx, requestIDKey, requestID)

		// Wrap ResponseWriter to capture status code
		// Learning: Middleware pattern for capturing response metadata
		wrapped := &responseWriterWrapper{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Add request ID to response header (for client-side correlation)
		w.Header().Set("X-Request-ID", requestID)

		// Record request start time
		startTime := time.Now()

		// Call the next handler with enriched context
		// Learning: Context propagates through the entire call chain
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		// Record response metadata in span
		duration := time.Since(startTime)
		if wrapped.hijacked {
			wrapped.statusCode = http.StatusSwitchingProtocols
		}
		span.SetAttributes(
			attribute.Int("http.status_code", wrapped.statusCode),
			attribute.Int64("http.response_time_ms", duration.Milliseconds()),
		)

		// Mark span as error if status >= 400
		if wrapped.statusCode >= 400 {
			span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
		}

		// Log completed request
		log.Printf("[%s] %s %s - %d (%dms)",
			requestID,
			r.Method,
			r.URL.Path,
			wrapped.statusCode,
			duration.Milliseconds(),
		)
	})
}

// ErrorRecoveryMiddleware recovers from panics and records them in spans
// Learning: Always recover from panics in HTTP handlers to prevent server crashes
func ErrorRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				// Get current span from context
				span := trace.SpanFromContext(r.Context())

				// Record panic in span
				span.RecordError(fmt.Errorf("panic: %v", err))
				span.SetStatus(codes.Error, "panic recovered")
				span.SetAttributes(
					attribute.String("error.type", "panic"),
					attribute.String("error.stacktrace", string(debug.Stack())),
				)

				// Log the panic with stack trace
				requestID := GetRequestID(r.Context())
				log.Printf("[%s] PANIC: %v\n%s", requestID, err, debug.Stack())

				// Return 500 error to client
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS headers
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+AdminSecretHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AdminSecretHeader carries the shared secret for admin endpoints
const AdminSecretHeader = "X-Admin-Secret"

// RequireAdminSecret rejects requests without the configured secret.
// An empty secret leaves the routes open, for local development.
func RequireAdminSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				given := r.Header.Get(AdminSecretHeader)
				if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
					AddSpanEvent(r.Context(), "admin.unauthorized")
					http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets the WebSocket upgrader take over the connection
func (w *responseWriterWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}

// Flush forwards to the underlying writer when it supports it
func (w *responseWriterWrapper) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Helper functions for creating spans in application code

// StartSpan creates a new span from the given context
// Use this in your service/repository methods to create child spans
//
// Example:
//
//	func (s *Service) DoSomething(ctx context.Context) error {
//	    ctx, span := middleware.StartSpan(ctx, "Service.DoSomething")
//	    defer span.End()
//	    // ... do work ...
//	}
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanError records an error in the current span
// Use this when an error occurs to track it in tracing
func AddSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds a named event to the current span
// Use this to mark important moments in the request lifecycle
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetRequestID extracts the request ID from context
// Useful for logging
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return "unknown"
}
