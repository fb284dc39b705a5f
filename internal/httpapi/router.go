// ABOUTME: HTTP router for the generation API
// ABOUTME: chi routes with bearer auth on everything but the health probe

package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/muse-gateway/internal/store"
)

// Service is the orchestrator surface the API exposes. Satisfied by
// *generation.Manager.
type Service interface {
	Generate(ctx context.Context, input store.CreateGenerationInput) (*store.Generation, error)
	Get(ctx context.Context, id string) (*store.Generation, error)
	List(ctx context.Context, limit int) ([]*store.Generation, error)
	Delete(ctx context.Context, id string) error
	ForceReset(ctx context.Context, reason string) (int, error)
}

// API serves the generation endpoints.
type API struct {
	service     Service
	token       string
	artifactDir string
	logger      *slog.Logger
}

// New builds the API. token guards every route except the health probe and
// the artifact files; an empty token disables auth entirely. artifactDir,
// when non-empty, is served read-only under /artifacts/ so stored artifact
// URLs resolve without a separate file server.
func New(service Service, token, artifactDir string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		service:     service,
		token:       token,
		artifactDir: artifactDir,
		logger:      logger.With("component", "httpapi"),
	}
}

// Router assembles the route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", a.handleHealth)

	if a.artifactDir != "" {
		fs := http.StripPrefix("/artifacts/", http.FileServer(http.Dir(a.artifactDir)))
		r.Get("/artifacts/*", fs.ServeHTTP)
	}

	r.Route("/generations", func(r chi.Router) {
		r.Use(a.requireBearer)
		r.Post("/", a.handleCreate)
		r.Get("/", a.handleList)
		r.Post("/reset", a.handleReset)
		r.Get("/{id}", a.handleGet)
		r.Delete("/{id}", a.handleDelete)
	})

	return r
}
