package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tutu-network/meshd/internal/domain"
	"github.com/tutu-network/meshd/internal/infra/healing"
	"github.com/tutu-network/meshd/internal/infra/metrics"
	"github.com/tutu-network/meshd/internal/infra/ring"
)

const (
	maxLookupOwners  = 64
	maxSessionsLimit = 1000
)

// ─── Routing ────────────────────────────────────────────────────────────────

type routingResponse struct {
	DecisionID string `json:"decisionId"`
	domain.RoutingDecision
}

func (s *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	var req domain.RoutingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if req.Requirements.ReplicationFactor < 0 {
		writeError(w, http.StatusBadRequest, "replicationFactor must not be negative")
		return
	}

	decision := s.mesh.OptimizeRouting(req)
	id := s.newID()

	if s.store != nil {
		if err := s.store.RecordPlacement(domain.NewPlacementRecord(id, req, decision)); err != nil {
			metrics.StoreErrors.WithLabelValues("record").Inc()
			s.logger.Error("record placement",
				zap.String("session", req.SessionID),
				zap.String("decision", id),
				zap.Error(err),
			)
		}
	}

	w.Header().Set("X-Decision-ID", id)
	writeJSON(w, http.StatusOK, routingResponse{DecisionID: id, RoutingDecision: decision})
}

// ─── Nodes ──────────────────────────────────────────────────────────────────

type nodeResponse struct {
	domain.NodeView
	Breaker healing.Snapshot `json:"breaker"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	var tier domain.Tier
	if q := r.URL.Query().Get("tier"); q != "" {
		t, err := domain.ParseTier(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tier = t
	}

	views := make([]domain.NodeView, 0)
	for _, n := range s.mesh.Nodes() {
		if tier != "" && n.Tier != tier {
			continue
		}
		views = append(views, n.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, ok := s.mesh.Node(id)
	if !ok {
		writeError(w, http.StatusNotFound, "node not found: "+id)
		return
	}
	resp := nodeResponse{NodeView: n.View()}
	resp.Breaker, _ = s.mesh.Breaker(id)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.mesh.RemoveNode(id)
	if errors.Is(err, domain.ErrUnknownNode) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The node is already out of the mesh; a stale row is dropped on the
	// next start.
	if s.store != nil {
		if err := s.store.DeleteProxy(id); err != nil && !errors.Is(err, domain.ErrUnknownNode) {
			metrics.StoreErrors.WithLabelValues("delete").Inc()
			s.logger.Error("delete proxy", zap.String("node", id), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Ring ───────────────────────────────────────────────────────────────────

func (s *Server) handleRingLookup(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	n := 1
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 || v > maxLookupOwners {
			writeError(w, http.StatusBadRequest, "n must be an integer between 1 and 64")
			return
		}
		n = v
	}

	owners, err := s.mesh.LookupN(key, n)
	if errors.Is(err, domain.ErrEmptyMesh) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]domain.NodeView, len(owners))
	for i, o := range owners {
		views[i] = o.View()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":    key,
		"hash":   ring.Hash(key),
		"owners": views,
	})
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.mesh.Breakers()})
}

func (s *Server) handleHealthStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"results": s.mesh.HealthStatuses()})
}

type healthEvent struct {
	Healthy *bool `json:"healthy"`
}

func (s *Server) handleReportHealth(w http.ResponseWriter, r *http.Request) {
	var ev healthEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if ev.Healthy == nil {
		writeError(w, http.StatusBadRequest, "healthy is required")
		return
	}

	id := chi.URLParam(r, "id")
	snap, err := s.mesh.ReportHealth(id, *ev.Healthy)
	if errors.Is(err, domain.ErrUnknownNode) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ─── Stats & Sessions ───────────────────────────────────────────────────────

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mesh.Stats())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "storage is disabled")
		return
	}
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 || v > maxSessionsLimit {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = v
	}

	recs, err := s.store.ListPlacements(limit)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []domain.PlacementRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": recs})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "storage is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetPlacement(id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
