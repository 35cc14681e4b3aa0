// Package api provides the HTTP surface of the statement gateway.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"duck-coordinator/internal/admission"
	"duck-coordinator/internal/domain"
	"duck-coordinator/internal/metrics"
	"duck-coordinator/internal/middleware"
	"duck-coordinator/internal/service/query"
	"duck-coordinator/internal/urlrewrite"
)

// maxStatementBytes bounds a submitted statement body.
const maxStatementBytes = 1 << 20

// QueryService is the statement service behind the handlers.
type QueryService interface {
	Submit(ctx context.Context, statement string) (*query.Results, error)
	Poll(ctx context.Context, id, slug, token string) (*query.Results, error)
	CancelStatement(id, slug string) (domain.QueryInfo, error)
	Cancel(id string) (domain.QueryInfo, error)
	Info(id string) (domain.QueryInfo, error)
	List(filter domain.QueryFilter) ([]domain.QueryInfo, error)
}

// APIHandler serves the statement and query endpoints.
type APIHandler struct {
	queries     QueryService
	logger      *slog.Logger
	proxyPrefix string

	// dispatch is the router decoded proxy requests are replayed through.
	dispatch http.Handler
}

// NewHandler creates an APIHandler. proxyPrefix is the prefix decoded by
// /v1/proxy; when empty it is derived from each request's host.
func NewHandler(queries QueryService, logger *slog.Logger, proxyPrefix string) *APIHandler {
	return &APIHandler{queries: queries, logger: logger, proxyPrefix: proxyPrefix}
}

// RouterConfig holds the cross-cutting pieces of the HTTP stack.
type RouterConfig struct {
	Logger             *slog.Logger
	Metrics            *metrics.Metrics        // nil disables /metrics
	ClientLimiter      *admission.KeyedLimiter // nil disables per-client limiting
	CORSAllowedOrigins []string
}

// NewRouter builds the chi router for h.
func NewRouter(h *APIHandler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = h.logger
	}
	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(logger))
	r.Use(cfg.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", urlrewrite.HeaderPrefixURL},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", handleHealthz)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimiter(cfg.ClientLimiter))

		r.Post("/statement", h.SubmitStatement)
		r.Get("/statement/{queryId}/{slug}/{token}", h.PollStatement)
		r.Delete("/statement/{queryId}/{slug}", h.CancelStatement)

		r.Get("/query", h.ListQueries)
		r.Get("/query/{queryId}", h.GetQuery)
		r.Delete("/query/{queryId}", h.KillQuery)

		r.Get("/proxy", h.Proxy)
		r.Delete("/proxy", h.Proxy)
	})

	h.dispatch = r
	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// baseURL is the scheme and host the client used to reach this server.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// rewriterFor honors the prefix header of r. An invalid prefix is a
// *domain.ValidationError.
func rewriterFor(r *http.Request) (*urlrewrite.Rewriter, error) {
	return urlrewrite.New(r.Header.Get(urlrewrite.HeaderPrefixURL))
}
