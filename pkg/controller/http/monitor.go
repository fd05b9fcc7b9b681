package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

const (
	monitorOverview   = "overview"
	monitorViolations = "violations"
	monitorExecutions = "executions"
	monitorHealth     = "health"
)

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("type")
	if kind == "" {
		kind = monitorOverview
	}

	var (
		payload any
		err     error
	)
	switch kind {
	case monitorOverview:
		payload, err = s.monitorOverview(r)
	case monitorViolations:
		payload, err = s.monitorViolations(r)
	case monitorExecutions:
		payload, err = s.monitorExecutions(r)
	case monitorHealth:
		payload, err = s.monitorHealth(r)
	default:
		err = badRequest("type must be one of overview, violations, executions, health", goerr.V("type", kind))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

type overviewPayload struct {
	Metrics          *model.SafeguardMetrics        `json:"metrics"`
	Automations      map[types.AutomationStatus]int `json:"automations"`
	ActiveExecutions int                            `json:"activeExecutions"`
	ArmedTimers      int                            `json:"armedTimers"`
	InstanceID       types.InstanceID               `json:"instanceId"`
}

func (s *Server) monitorOverview(r *http.Request) (any, error) {
	metrics, err := s.uc.Safeguard.GetMetrics(r.Context())
	if err != nil {
		return nil, err
	}
	counts, err := s.uc.Automation.CountByStatus(r.Context())
	if err != nil {
		return nil, err
	}
	state := s.uc.Engine.State()
	return &overviewPayload{
		Metrics:          metrics,
		Automations:      counts,
		ActiveExecutions: len(s.uc.Executor.ListActive()),
		ArmedTimers:      state.TimerCount(),
		InstanceID:       state.InstanceID,
	}, nil
}

func (s *Server) monitorViolations(r *http.Request) (any, error) {
	q := r.URL.Query()
	filter := model.ViolationFilter{
		AutomationID: types.AutomationID(q.Get("automationId")),
		ExecutionID:  types.ExecutionID(q.Get("executionId")),
	}
	if v := q.Get("unresolved"); v != "" {
		unresolved, err := strconv.ParseBool(v)
		if err != nil {
			return nil, badRequest("unresolved must be a boolean", goerr.V("unresolved", v))
		}
		filter.UnresolvedOnly = unresolved
	}

	violations, err := s.uc.Safeguard.ListViolations(r.Context(), filter)
	if err != nil {
		return nil, err
	}
	if violations == nil {
		violations = []*model.SafeguardViolation{}
	}
	return map[string]any{"violations": violations}, nil
}

func (s *Server) monitorExecutions(r *http.Request) (any, error) {
	if id := types.AutomationID(r.URL.Query().Get("automationId")); id != "" {
		execs, err := s.uc.Automation.ListExecutions(r.Context(), id)
		if err != nil {
			return nil, err
		}
		progress := make([]*model.SequenceProgress, len(execs))
		for i, exec := range execs {
			progress[i] = exec.Progress()
		}
		return map[string]any{"executions": progress}, nil
	}

	active := s.uc.Executor.ListActive()
	progress := make([]*model.SequenceProgress, len(active))
	for i, exec := range active {
		progress[i] = exec.Progress()
	}
	return map[string]any{"executions": progress}, nil
}

type healthPayload struct {
	Status            string                `json:"status"`
	SystemHealthScore int                   `json:"systemHealthScore"`
	Policy            model.SafeguardPolicy `json:"policy"`
}

func (s *Server) monitorHealth(r *http.Request) (any, error) {
	metrics, err := s.uc.Safeguard.GetMetrics(r.Context())
	if err != nil {
		return nil, err
	}
	policy := s.uc.Safeguard.Policy()

	status := "healthy"
	switch {
	case metrics.SystemHealthScore < policy.MinHealthScore:
		status = "critical"
	case metrics.SystemHealthScore < 100:
		status = "degraded"
	}
	return &healthPayload{Status: status, SystemHealthScore: metrics.SystemHealthScore, Policy: policy}, nil
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) handleResolveViolation(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Resolution == "" {
		writeError(w, r, badRequest("resolution is required"))
		return
	}

	changed, err := s.uc.Safeguard.ResolveViolation(r.Context(), types.ViolationID(chi.URLParam(r, "id")), req.Resolution)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "changed": changed})
}
