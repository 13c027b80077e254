package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/artifact"
	"github.com/iangreen74/leviathan/internal/autonomy"
	"github.com/iangreen74/leviathan/internal/graph"
	"github.com/iangreen74/leviathan/internal/journal"
)

// Server holds the dependencies of the HTTP surface, populated in main
// after stores and projection are initialized.
type Server struct {
	Journal        journal.Journal
	Projection     *graph.Projection
	Artifacts      artifact.Store
	Autonomy       *autonomy.Config
	AutonomySource string
	Token          string
	Sink           *Sink
	Hub            *Hub
	Logger         *zap.Logger
	Metrics        *Metrics
}

// Router builds the fully configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(s.Token, s.Logger))

		r.Post("/v1/events/ingest", s.handleIngest)
		r.Get("/v1/events/stream", s.handleStream)
		r.Get("/v1/graph/summary", s.handleGraphSummary)
		r.Get("/v1/tasks", s.handleListTasks)
		r.Get("/v1/attempts", s.handleListAttempts)
		r.Get("/v1/attempts/{id}", s.handleGetAttempt)
		r.Post("/v1/attempts/{id}/invalidate", s.handleInvalidate)
		r.Get("/v1/failures", s.handleListFailures)
		r.Get("/v1/autonomy/status", s.handleAutonomyStatus)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAutonomyStatus(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"autonomy_enabled": s.Autonomy.AutonomyEnabled,
		"source":           s.AutonomySource,
	})
}
