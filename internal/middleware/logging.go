package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// redactedHeaders are never logged verbatim. Requests to this service carry
// key material and PINs in bodies, not headers, but credentials still show
// up here.
var redactedHeaders = []string{"authorization", "x-api-key", "cookie"}

// LoggingMiddleware wraps handlers with request logging.
func LoggingMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Request body size from Content-Length for POST requests
			var requestBytes int64
			if r.Method == "POST" || r.Method == "PUT" {
				if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
					if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
						requestBytes = size
					}
				}
			}

			// Wrap response writer to capture status code
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)

			// For POST, log request bytes; otherwise response bytes
			bytesLogged := rw.bytesWritten
			if requestBytes > 0 {
				bytesLogged = requestBytes
			}

			fields := logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      rw.statusCode,
				"duration_ms": duration.Milliseconds(),
				"bytes":       bytesLogged,
			}
			if r.URL.RawQuery != "" {
				fields["query"] = r.URL.RawQuery
			}
			if ua := r.UserAgent(); ua != "" {
				fields["user_agent"] = ua
			}

			logger.WithFields(fields).Info("HTTP request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// RedactHeaders returns a copy of the request headers with credential
// headers masked, for debug logging.
func RedactHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		lowerName := strings.ToLower(name)
		if shouldRedactHeader(lowerName) {
			headers[lowerName] = "[REDACTED]"
		} else {
			headers[lowerName] = strings.Join(values, ",")
		}
	}
	return headers
}

// shouldRedactHeader checks if a header should be redacted.
func shouldRedactHeader(headerName string) bool {
	for _, redact := range redactedHeaders {
		if redact == headerName {
			return true
		}
	}
	return false
}
