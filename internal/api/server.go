// Package api provides the HTTP server for meshd.
// It exposes routing decisions, mesh inspection and external health events
// as JSON over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tutu-network/meshd/internal/domain"
	"github.com/tutu-network/meshd/internal/health"
	"github.com/tutu-network/meshd/internal/infra/healing"
	"github.com/tutu-network/meshd/internal/infra/mesh"
)

// Mesh is the routing surface the API serves. *mesh.Router implements it.
type Mesh interface {
	OptimizeRouting(req domain.RoutingRequest) domain.RoutingDecision
	Nodes() []*domain.ProxyNode
	Node(id string) (*domain.ProxyNode, bool)
	RemoveNode(id string) error
	LookupN(key string, n int) ([]*domain.ProxyNode, error)
	Breakers() []healing.Snapshot
	Breaker(id string) (healing.Snapshot, bool)
	ReportHealth(nodeID string, healthy bool) (healing.Snapshot, error)
	HealthStatuses() []health.Result
	Stats() mesh.Stats
}

// Store persists routing outcomes and the proxy membership. *sqlite.DB
// implements it.
type Store interface {
	RecordPlacement(rec domain.PlacementRecord) error
	GetPlacement(sessionID string) (*domain.PlacementRecord, error)
	ListPlacements(limit int) ([]domain.PlacementRecord, error)
	DeleteProxy(id string) error
}

// Server is the meshd HTTP API server.
type Server struct {
	mesh           Mesh
	store          Store // nil when storage is disabled
	logger         *zap.Logger
	metricsEnabled bool
	corsOrigins    []string
	newID          func() string
}

// NewServer creates a new API server.
func NewServer(m Mesh, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		mesh:   m,
		logger: logger.Named("api"),
		newID:  uuid.NewString,
	}
}

// SetStore enables outcome persistence.
func (s *Server) SetStore(st Store) { s.store = st }

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetCORSOrigins restricts CORS to the given origins. Empty allows any.
func (s *Server) SetCORSOrigins(origins []string) { s.corsOrigins = origins }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/routing", s.handleRouting)

		r.Get("/nodes", s.handleListNodes)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Delete("/nodes/{id}", s.handleRemoveNode)

		r.Get("/ring/lookup", s.handleRingLookup)

		r.Get("/breakers", s.handleListBreakers)
		r.Get("/health", s.handleHealthStatuses)
		r.Post("/health/{id}", s.handleReportHealth)

		r.Get("/stats", s.handleStats)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    http.StatusText(status),
		},
	})
}

// corsMiddleware adds CORS headers. With no configured origins every origin
// is allowed.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(s.corsOrigins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(s.corsOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
