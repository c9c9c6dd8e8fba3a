package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/middleware"
)

// NewRouter builds the HTTP handler.
//
// Route table:
//
//	GET  /api/v1/movies                  search, filter, sort, paginate
//	GET  /api/v1/movies/{id}             movie with its reviews and videos
//	GET  /api/v1/queues/{name}           queue counts
//	PUT  /api/v1/queues/{name}/pause
//	PUT  /api/v1/queues/{name}/resume
//	POST /api/v1/jobs/{name}             only when the handler has jobs
//	GET  /api/v1/cache/stats
//	POST /api/v1/cache/invalidate
//	GET  /health, /health/live, /health/ready
//
// Middleware chain (outermost first):
//
//	RequestID → Timeout → Metrics → mux
//
// Metrics sits next to the mux so it sees the matched route pattern.
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, requestTimeout time.Duration, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", checker.ReadyHandler())
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.HandleFunc("GET /api/v1/movies", h.SearchMovies)
	mux.HandleFunc("GET /api/v1/movies/{id}", h.GetMovie)

	mux.HandleFunc("GET /api/v1/queues/{name}", h.QueueCounts)
	mux.HandleFunc("PUT /api/v1/queues/{name}/pause", h.PauseQueue)
	mux.HandleFunc("PUT /api/v1/queues/{name}/resume", h.ResumeQueue)

	if h.jobs != nil {
		mux.HandleFunc("POST /api/v1/jobs/{name}", h.RunJob)
	}

	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)

	if m == nil {
		m = metrics.NewNop()
	}
	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Timeout(requestTimeout, logger),
		middleware.Metrics(m),
	)
}
