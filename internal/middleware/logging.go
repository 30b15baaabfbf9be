package middleware

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/tidyexport/internal/domain"
)

// responseWriter captures the HTTP status code and body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(p)
	rw.bytes += int64(n)
	return n, err
}

// Flush lets streamed export bodies reach the client as they are written.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs one line per request once the response is complete.
// Each request gets a run ID, carried in its context and echoed in the
// X-Run-ID header, so export log lines can be matched to requests.
func LoggingMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			runID := uuid.New()
			w.Header().Set("X-Run-ID", runID.String())
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r.WithContext(domain.ContextWithRunID(r.Context(), runID)))

			duration := time.Since(start)
			logger.Printf("[HTTP] %s %s %d %dB %s from %s run=%s", r.Method, r.URL.Path, rw.statusCode, rw.bytes, duration, r.RemoteAddr, runID)
		})
	}
}
