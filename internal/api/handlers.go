package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dripflow/dripflow/internal/runstore"
	"github.com/dripflow/dripflow/internal/sequence"
)

// StartRunRequest is the request body for POST /api/v1/runs.
type StartRunRequest struct {
	Sequence     sequence.Definition  `json:"sequence"`
	Contacts     []sequence.Contact   `json:"contacts"`
	StartDate    string               `json:"start_date,omitempty"` // YYYY-MM-DD in the campaign timezone, default today
	SendWindow   *sequence.SendWindow `json:"send_window,omitempty"`
	SendingDays  []string             `json:"sending_days,omitempty"`
	Timezone     string               `json:"timezone,omitempty"`
	MaxPerMinute int                  `json:"max_per_minute,omitempty"`
}

// StartRunResponse is the response for POST /api/v1/runs.
type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunSummary is one entry of GET /api/v1/runs.
type RunSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Contacts  int       `json:"contacts"`
	Steps     int       `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleStartRun handles POST /api/v1/runs.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	policy, err := s.resolvePolicy(req)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	window := sequence.SendWindow{}
	if req.SendWindow != nil {
		window = *req.SendWindow
	} else if s.defaults.JitterMinutes > 0 {
		window = sequence.SendWindow{Enabled: true, JitterMinutes: s.defaults.JitterMinutes}
	}

	throttle := sequence.Throttle{MaxPerMinute: req.MaxPerMinute}
	if throttle.MaxPerMinute == 0 {
		throttle.MaxPerMinute = s.defaults.MaxPerMinute
	}

	startDate, err := s.resolveStartDate(req.StartDate, policy)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := s.runner.StartRun(r.Context(), req.Sequence, req.Contacts, startDate, window, policy, throttle)
	if err != nil {
		var cfgErr *sequence.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to start run", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	// The run is persisted as planning; the poll loop flips it to
	// running asynchronously.
	s.sendJSON(w, http.StatusCreated, StartRunResponse{
		RunID:  runID,
		Status: string(runstore.RunPlanning),
	})
}

// handleListRuns handles GET /api/v1/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, RunSummary{
			ID:        run.ID,
			Name:      run.Sequence.Name,
			Status:    string(run.Status),
			Contacts:  len(run.Contacts),
			Steps:     len(run.Sequence.Steps),
			CreatedAt: run.CreatedAt,
			UpdatedAt: run.UpdatedAt,
		})
	}
	s.sendJSON(w, http.StatusOK, summaries)
}

// handleProgress handles GET /api/v1/runs/{id}.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	progress, err := s.runner.GetProgress(r.Context(), runID)
	if err != nil {
		s.sendError(w, http.StatusNotFound, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, progress)
}

// handleCancel handles POST /api/v1/runs/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	if err := s.runner.Cancel(r.Context(), runID); err != nil {
		s.sendError(w, http.StatusNotFound, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(runstore.RunCancelled)})
}

// handleResume handles POST /api/v1/runs/{id}/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	if err := s.runner.Resume(r.Context(), runID); err != nil {
		s.sendError(w, http.StatusNotFound, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

// handleRetryItem handles POST /api/v1/runs/{id}/items/{itemID}/retry.
func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	itemID := chi.URLParam(r, "itemID")

	if err := s.runner.RetryItem(r.Context(), runID, itemID); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"item_id": itemID, "status": string(runstore.StatusPending)})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// resolvePolicy builds the sending-days policy from the request, falling
// back to the configured defaults.
func (s *Server) resolvePolicy(req StartRunRequest) (sequence.SendingDays, error) {
	names := req.SendingDays
	if len(names) == 0 {
		names = s.defaults.SendingDays
	}
	tz := req.Timezone
	if tz == "" {
		tz = s.defaults.Timezone
	}

	policy := sequence.SendingDays{Timezone: tz}
	for _, name := range names {
		day, err := sequence.ParseWeekday(name)
		if err != nil {
			return sequence.SendingDays{}, err
		}
		policy.Days = append(policy.Days, day)
	}
	return policy, nil
}

// resolveStartDate parses a YYYY-MM-DD launch date in the policy
// timezone; empty means today.
func (s *Server) resolveStartDate(raw string, policy sequence.SendingDays) (time.Time, error) {
	loc, err := policy.Location()
	if err != nil {
		return time.Time{}, err
	}
	if raw == "" {
		now := time.Now().In(loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc), nil
	}
	return time.ParseInLocation("2006-01-02", raw, loc)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, ErrorResponse{Error: msg})
}
