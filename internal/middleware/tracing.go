package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware wraps handlers with OpenTelemetry tracing.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("hsm-crypto-gateway")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Derive the key operation from the URL path
			keyID, operation := extractKeyOperation(r.Method, r.URL.Path)

			ctx, span := tracer.Start(ctx, spanName(r.Method, operation),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPScheme(r.URL.Scheme),
					semconv.HTTPTarget(r.URL.Path),
					semconv.HTTPRoute(r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)

			if operation != "" {
				span.SetAttributes(attribute.String("key.operation", operation))
			}
			// Key IDs are opaque handles, not key material; safe to record
			// unless redaction is on.
			if keyID != "" && !redactSensitive {
				span.SetAttributes(attribute.String("key.id", keyID))
			}

			// Query strings on this API select export formats; redact like
			// everything else when configured.
			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			// Wrap response writer to capture status code
			rw := &tracingResponseWriter{
				ResponseWriter: w,
				span:           span,
			}

			// Update request context
			r = r.WithContext(ctx)

			defer func() {
				// Record final span attributes
				span.SetAttributes(
					semconv.HTTPStatusCode(rw.statusCode),
				)

				// Set span status based on response code
				if rw.statusCode >= 400 {
					span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
				} else {
					span.SetStatus(codes.Ok, "")
				}

				span.End()
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// extractKeyOperation parses /v1/keys/{id}/{op} style paths.
func extractKeyOperation(method, path string) (keyID, operation string) {
	path = strings.TrimPrefix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "keys" {
		return "", ""
	}
	switch len(parts) {
	case 2:
		if method == http.MethodPost {
			return "", "generate"
		}
		return "", "list"
	case 3:
		if parts[2] == "import" {
			return "", "import"
		}
		if method == http.MethodDelete {
			return parts[2], "destroy"
		}
		return parts[2], ""
	default:
		return parts[2], parts[3]
	}
}

// spanName generates a span name for the key operation.
func spanName(method, operation string) string {
	if operation == "" {
		return "HTTP " + method
	}
	return "Keys " + operation
}

// getRemoteAddr extracts the real remote address, handling X-Forwarded-For and X-Real-IP
func getRemoteAddr(r *http.Request) string {
	// Check X-Real-IP first (single IP, more trusted than X-Forwarded-For)
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	// Check X-Forwarded-For (may contain multiple IPs)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in case of multiple
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	return r.RemoteAddr
}

// addHeadersToSpan adds relevant headers to the span, redacting sensitive ones
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	// Headers to include (non-sensitive)
	safeHeaders := []string{
		"content-type",
		"content-length",
		"content-encoding",
		"accept",
		"accept-encoding",
	}

	// Headers to redact
	sensitiveHeaders := []string{
		"authorization",
		"x-api-key",
		"cookie",
		"x-forwarded-for", // Already handled separately
		"x-real-ip",       // Already handled separately
	}

	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}

	for _, header := range sensitiveHeaders {
		if value := headers.Get(header); value != "" {
			if redactSensitive {
				span.SetAttributes(attribute.String("http.request.header."+header, "[REDACTED]"))
			} else {
				span.SetAttributes(attribute.String("http.request.header."+header, value))
			}
		}
	}
}

// tracingResponseWriter wraps http.ResponseWriter to capture status code for tracing
type tracingResponseWriter struct {
	http.ResponseWriter
	span       trace.Span
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
