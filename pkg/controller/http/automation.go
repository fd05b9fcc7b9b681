package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var a model.Automation
	if err := decodeJSON(w, r, &a); err != nil {
		writeError(w, r, err)
		return
	}

	created, err := s.uc.Automation.CreateAutomation(r.Context(), &a)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	status := types.AutomationStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		writeError(w, r, badRequest("invalid status", goerr.V("status", status)))
		return
	}

	automations, err := s.uc.Automation.ListAutomations(r.Context(), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if automations == nil {
		automations = []*model.Automation{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"automations": automations})
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.uc.Automation.GetAutomation(r.Context(), types.AutomationID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

func (s *Server) handleScheduleAutomation(w http.ResponseWriter, r *http.Request) {
	result, err := s.uc.Engine.Schedule(r.Context(), types.AutomationID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.uc.Automation.ListExecutions(r.Context(), types.AutomationID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	results := make([]*model.ExecutionResult, len(execs))
	for i, exec := range execs {
		results[i] = exec.Result()
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"executions": results})
}

type executeRequest struct {
	AutomationID types.AutomationID `json:"automationId"`
	IsDryRun     bool               `json:"isDryRun"`
	UseCache     bool               `json:"useCache"`
}

type executeResponse struct {
	ExecutionID     types.ExecutionID      `json:"executionId"`
	ExecutionResult *model.ExecutionResult `json:"executionResult"`
}

func (s *Server) handleExecuteSequence(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AutomationID == "" {
		writeError(w, r, badRequest("automationId is required"))
		return
	}

	exec, result, err := s.uc.Engine.Execute(r.Context(), req.AutomationID, req.IsDryRun, req.UseCache)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if !req.IsDryRun {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, executeResponse{ExecutionID: exec.ID, ExecutionResult: result})
}

type sequenceResponse struct {
	MonitoringState types.ExecutionStatus   `json:"monitoringState"`
	Progress        *model.SequenceProgress `json:"progress"`
	ShouldStop      *model.StopDecision     `json:"shouldStop"`
	Result          *model.ExecutionResult  `json:"result"`
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	id := types.ExecutionID(r.URL.Query().Get("executionId"))
	if id == "" {
		writeError(w, r, badRequest("executionId is required"))
		return
	}

	exec, err := s.uc.Executor.GetSequenceProgress(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	decision := &model.StopDecision{}
	if !exec.Status.IsTerminal() {
		decision, err = s.uc.Safeguard.ShouldStopSequence(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, r, http.StatusOK, sequenceResponse{
		MonitoringState: exec.Status,
		Progress:        exec.Progress(),
		ShouldStop:      decision,
		Result:          exec.Result(),
	})
}

type controlRequest struct {
	AutomationID types.AutomationID  `json:"automationId"`
	Action       types.ControlAction `json:"action"`
	Reason       string              `json:"reason"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AutomationID == "" {
		writeError(w, r, badRequest("automationId is required"))
		return
	}
	if !req.Action.IsValid() {
		writeError(w, r, badRequest("action must be one of emergency_stop, cancel, pause, resume",
			goerr.V("action", req.Action)))
		return
	}

	result, err := s.uc.Engine.Control(r.Context(), req.AutomationID, req.Action, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	result, err := s.uc.Engine.Restore(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}
