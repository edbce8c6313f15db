// Package api exposes the address history over HTTP/JSON.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bitemporal-io/bitemporal/pkg/addresses"
	"github.com/bitemporal-io/bitemporal/pkg/filter"
)

// BasePath is where the address routes are mounted.
const BasePath = "/api/v1/addresses"

// Options configures the HTTP router.
type Options struct {
	Engine *addresses.Engine
	Filter *filter.Parser

	// CORSOrigins enables CORS for the listed origins when non-empty.
	CORSOrigins []string

	// Ready reports whether the backing store is reachable. nil means always
	// ready.
	Ready func(ctx context.Context) error

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// AddressRouter creates a chi.Router for the address endpoints.
func AddressRouter(engine *addresses.Engine, parser *filter.Parser) chi.Router {
	r := chi.NewRouter()

	r.Get("/", QueryHandler(engine, parser))
	r.Get("/snapshots/{timelineId}/versions", SnapshotVersionsHandler(engine))
	r.Route("/{uuid}", func(r chi.Router) {
		r.Get("/", GetHandler(engine))
		r.Get("/timeline", TimelineHandler(engine))
		r.Get("/history", HistoryHandler(engine))
		r.Get("/snapshots", SnapshotsHandler(engine))
		r.Put("/versions", UpdateHandler(engine))
		r.Delete("/versions", DeleteHandler(engine))
		r.Post("/bootstrap", BootstrapHandler(engine))
	})

	return r
}

// NewRouter creates the top-level HTTP handler with common middleware, health
// endpoints and the address routes under BasePath.
func NewRouter(opts Options) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(req.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Mount(BasePath, AddressRouter(opts.Engine, opts.Filter))
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"requestId", middleware.GetReqID(r.Context()))
		})
	}
}
