package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rohit280101/AI-IDP/internal/blob"
	"github.com/rohit280101/AI-IDP/internal/ratelimit"
	"github.com/rohit280101/AI-IDP/internal/retrieval"
	"github.com/rohit280101/AI-IDP/internal/search"
	"github.com/rohit280101/AI-IDP/internal/storage"
)

// DefaultMaxUploadBytes is the largest accepted upload.
const DefaultMaxUploadBytes = 10 << 20

// Searcher answers semantic queries.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Result, error)
}

// Reindexer rebuilds the vector index from document text.
type Reindexer interface {
	Reindex(ctx context.Context, sources []retrieval.Source) (int, error)
}

// EngineChecker reports whether the inference backend is reachable.
type EngineChecker interface {
	IsRunning(ctx context.Context) bool
}

// IndexSizer reports the vector index size.
type IndexSizer interface {
	Len() int
}

// Limit is a per-client request budget for one endpoint.
type Limit struct {
	Max    int
	Window time.Duration
}

// AppDeps holds dependencies for the document API.
type AppDeps struct {
	Store     *storage.Store
	Blobs     blob.Sink
	Search    Searcher
	Reindexer Reindexer
	Engine    EngineChecker // optional; readiness skips the engine check when nil
	Index     IndexSizer    // nil reports the index as not loaded
	Token     string

	Limiter     *ratelimit.Limiter // optional; nil disables rate limiting
	UploadLimit Limit
	SearchLimit Limit

	MaxUploadBytes int64

	Metrics *Metrics // nil gets a fresh registry
}

// NewAppHandler returns the HTTP handler for the document API. /health,
// /ready and /metrics are public; everything under /api/v1 requires the
// bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(Trace)
	r.Use(deps.Metrics.Instrument)

	r.Get("/health", handleHealth)
	r.Get("/ready", handleReady(deps))
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.With(RateLimit(deps.Limiter, "upload", deps.UploadLimit.Max, deps.UploadLimit.Window)).
			Post("/documents/upload", handleUpload(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Post("/documents/{id}/reprocess", handleReprocess(deps))

		r.With(RateLimit(deps.Limiter, "search", deps.SearchLimit.Max, deps.SearchLimit.Window)).
			Post("/search", handleSearch(deps))

		r.Post("/admin/reindex", handleReindex(deps))
	})

	return r
}
