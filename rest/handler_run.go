package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mukund-aria/ai-flow-saas-sub001/logger"
	"github.com/mukund-aria/ai-flow-saas-sub001/model"
)

type completeStepRequest struct {
	Actor  model.Identity `json:"actor"`
	Result map[string]any `json:"result"`
}

type reassignStepRequest struct {
	Actor       model.Identity `json:"actor"`
	NewAssignee model.Identity `json:"newAssignee"`
}

type cancelRunRequest struct {
	Actor model.Identity `json:"actor"`
}

type runView struct {
	Run        model.FlowRun             `json:"run"`
	Executions []model.StepExecution     `json:"executions"`
	Milestones []model.MilestoneProgress `json:"milestones,omitempty"`
}

func (s *Server) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed run start body")
		return
	}
	defer r.Body.Close()
	run, err := s.engine.StartRun(r.Context(), req)
	if err != nil {
		logger.Error("error starting run", zap.String("definition", req.DefinitionName), zap.Error(err))
		respondErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"runId": run.Id, "warnings": run.Warnings})
}

func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runId := mux.Vars(r)["id"]
	state, milestones, err := s.engine.GetRun(r.Context(), runId)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, runView{Run: state.Run, Executions: state.Executions, Milestones: milestones})
}

func (s *Server) HandleCompleteStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runId := vars["id"]
	stepId := vars["stepId"]
	var req completeStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed completion body")
		return
	}
	defer r.Body.Close()
	result, err := s.engine.CompleteStep(r.Context(), runId, stepId, req.Result, req.Actor)
	if err != nil {
		logger.Error("error completing step", zap.String("runId", runId), zap.String("stepId", stepId), zap.Error(err))
		respondErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runId := mux.Vars(r)["id"]
	var req cancelRunRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
	}
	result, err := s.engine.CancelRun(r.Context(), runId, req.Actor)
	if err != nil {
		logger.Error("error cancelling run", zap.String("runId", runId), zap.Error(err))
		respondErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) HandleReassignStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runId := vars["id"]
	stepId := vars["stepId"]
	var req reassignStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed reassignment body")
		return
	}
	defer r.Body.Close()
	if err := s.engine.ReassignStep(r.Context(), runId, stepId, req.NewAssignee, req.Actor); err != nil {
		logger.Error("error reassigning step", zap.String("runId", runId), zap.String("stepId", stepId), zap.Error(err))
		respondErr(w, err)
		return
	}
	respondOK(w, "reassigned")
}
