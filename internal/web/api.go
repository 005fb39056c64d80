package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/engine"
	"github.com/mtzanidakis/flowmesh/internal/graph"
	"github.com/mtzanidakis/flowmesh/internal/state"
	"github.com/mtzanidakis/flowmesh/internal/store"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

const maxDefinitionSize = 1 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("POST /api/workflows", s.createWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.getWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.cancelWorkflow)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListWorkflows()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []workflow.Summary{}
	}
	jsonResponse(w, list)
}

// createWorkflow accepts a JSON or YAML definition. With ?wait=true it runs
// the workflow to completion within the request, otherwise it returns 202
// with the initial snapshot.
func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDefinitionSize))
	if err != nil {
		bodyError(w, err)
		return
	}
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		v, err := s.engine.RunWorkflow(r.Context(), def.Name, def.Description, def.Tasks)
		if err != nil {
			jsonError(w, err.Error(), statusFor(err))
			return
		}
		jsonResponse(w, v)
		return
	}

	v, err := s.engine.Submit(def.Name, def.Description, def.Tasks)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Location", "/api/workflows/"+v.ID)
	jsonStatus(w, http.StatusAccepted, v)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetWorkflowStatus(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, v)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(id); err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	v, err := s.engine.GetWorkflowStatus(id)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	jsonResponse(w, v)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.engine.Agents())
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		jsonResponse(w, []store.ScheduledWorkflow{})
		return
	}
	list, err := s.schedules.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []store.ScheduledWorkflow{}
	}
	jsonResponse(w, list)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonError(w, "scheduling is disabled", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Name       string              `json:"name"`
		Schedule   string              `json:"schedule"`
		Definition workflow.Definition `json:"definition"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDefinitionSize)).Decode(&body); err != nil {
		bodyError(w, err)
		return
	}
	if body.Schedule == "" || body.Definition.Name == "" {
		jsonError(w, "schedule and definition.name are required", http.StatusBadRequest)
		return
	}
	if _, err := graph.Build(body.Definition.Tasks); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sw, err := s.scheduler.Add(body.Name, body.Schedule, &body.Definition)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonStatus(w, http.StatusCreated, sw)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		jsonError(w, "scheduling is disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.schedules.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	byStatus := map[workflow.Status]int{}
	total := 0
	if list, err := s.engine.ListWorkflows(); err == nil {
		total = len(list)
		for _, wf := range list {
			byStatus[wf.Status]++
		}
	}

	jsonResponse(w, map[string]any{
		"version":    s.version,
		"uptime":     formatUptime(time.Since(s.startedAt)),
		"started_at": s.startedAt.UTC().Format(time.RFC3339),
		"agents":     len(s.engine.Agents()),
		"workflows": map[string]any{
			"total":     total,
			"by_status": byStatus,
		},
		"ws_clients": s.hub.Len(),
	})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, graph.ErrInvalidGraph):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyFinished):
		return http.StatusConflict
	case errors.Is(err, engine.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}

func bodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	jsonError(w, "invalid request body", http.StatusBadRequest)
}
