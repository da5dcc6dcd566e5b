package api

import (
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/rohit280101/AI-IDP/internal/pipeline"
)

// TraceHeader carries the per-request trace id in both directions.
const TraceHeader = "X-Trace-Id"

var validTraceID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Trace assigns every request a trace id, echoes it in the response and
// logs the request once it completes. A well-formed incoming X-Trace-Id is
// reused.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if !validTraceID.MatchString(id) {
			id = uuid.New().String()
		}
		w.Header().Set(TraceHeader, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(pipeline.WithTraceID(r.Context(), id)))

		slog.Debug("request",
			"trace_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
