package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technosupport/ts-edge/internal/registry"
	"github.com/technosupport/ts-edge/internal/tasks"
	"github.com/technosupport/ts-edge/internal/zones"
)

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/v1/license/status
func (s *Server) handleLicenseStatus(w http.ResponseWriter, _ *http.Request) {
	degraded, sinceSync := s.Validator.DegradedMode()
	respondJSON(w, http.StatusOK, map[string]any{
		"degraded":              degraded,
		"seconds_since_billing": int64(sinceSync.Seconds()),
		"active_cameras":        len(s.Registry.ActiveCameraIDs()),
		"usage_events_queued":   s.Tracker.QueueLen(),
		"websocket_subscribers": s.Hub.ClientCount(),
	})
}

// GET /api/v1/cameras
func (s *Server) handleListCameras(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.Registry.List())
}

// POST /api/v1/cameras
func (s *Server) handleCreateCamera(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	// async=true hands the registration to the task executor; the caller
	// polls /tasks/{id} for the outcome.
	if r.URL.Query().Get("async") == "true" {
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		id, name, tenantID := req.ID, req.Name, req.TenantID
		taskID := s.Executor.Submit("camera_create", id, func(progress tasks.Progress) error {
			progress(0.1, "Validating license")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.Registry.CreateCamera(ctx, id, name, tenantID); err != nil {
				return err
			}
			s.Tracker.TrackAPICall(tenantID)
			return nil
		})
		respondJSON(w, http.StatusAccepted, map[string]string{
			"task_id":   taskID,
			"camera_id": id,
		})
		return
	}

	cam, err := s.Registry.CreateCamera(r.Context(), req.ID, req.Name, req.TenantID)
	switch {
	case errors.Is(err, registry.ErrCameraExists):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrLicenseLimitExceeded):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, registry.ErrLicenseIssueFailed):
		respondError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.Tracker.TrackAPICall(req.TenantID)
		respondJSON(w, http.StatusCreated, cam)
	}
}

// GET /api/v1/cameras/{id}
func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cam)
}

// DELETE /api/v1/cameras/{id}
func (s *Server) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	err := s.Registry.DeleteCamera(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, registry.ErrCameraNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// GET /api/v1/cameras/{id}/zones
func (s *Server) handleZoneStatus(w http.ResponseWriter, r *http.Request) {
	cam, err := s.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cam.Processor.ZoneStatus())
}

// PUT /api/v1/cameras/{id}/zones
func (s *Server) handleApplyZones(w http.ResponseWriter, r *http.Request) {
	cam, err := s.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	var cfg zones.StreamZoneConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	cam.Processor.ApplyZoneConfig(cfg)
	respondJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// GET /api/v1/tasks
func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.Executor.List())
}

// GET /api/v1/tasks/{id}
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	rec := s.Executor.Status(chi.URLParam(r, "id"))
	status := http.StatusOK
	if rec.Message == "Task not found" {
		status = http.StatusNotFound
	}
	respondJSON(w, status, rec)
}

// GET /api/v1/usage/summary?tenant_id=T1&hours=24
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}

	sums, err := s.Usage.SumByType(r.Context(), tenantID, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"hours":     hours,
		"totals":    sums,
		"queued":    s.Tracker.QueueLen(),
	})
}
