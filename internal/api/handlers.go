package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, err := s.turns.HandleTurn(r.Context(), req)
	switch {
	case errors.Is(err, models.ErrInvalidUserInput):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case errors.Is(err, flow.ErrDuplicateTurn):
		writeJSONResponse(w, http.StatusConflict, models.Error("Message already processed"))
		return
	case err != nil:
		slog.Error("Server.turnHandler: turn failed", "userID", req.UserID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process turn"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) getLeadHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	res, err := s.mem.Load(r.Context(), userID)
	if err != nil {
		s.writeLeadError(w, "getLeadHandler", userID, err)
		return
	}
	if !res.Existed {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res.Record))
}

func (s *Server) resetLeadHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rec, err := s.mem.Reset(r.Context(), userID)
	if err != nil {
		s.writeLeadError(w, "resetLeadHandler", userID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Lead reset", rec))
}

func (s *Server) convertLeadHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rec, err := s.mem.MarkConverted(r.Context(), userID)
	if err != nil {
		s.writeLeadError(w, "convertLeadHandler", userID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Lead marked converted", rec))
}

func (s *Server) writeLeadError(w http.ResponseWriter, handler, userID string, err error) {
	if errors.Is(err, store.ErrInvalidKey) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Error("Server."+handler+": lead operation failed", "userID", userID, "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Lead operation failed"))
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status       string            `json:"status"`
	Uptime       string            `json:"uptime"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "healthy",
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Dependencies: map[string]string{},
	}
	for name, check := range s.opts.HealthChecks {
		if err := check(r.Context()); err != nil {
			resp.Dependencies[name] = "unhealthy: " + err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Dependencies[name] = "healthy"
	}
	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, resp)
}
