package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ngaut/planengine/internal/planmodel"
)

type enqueuedResponse struct {
	Success       bool   `json:"success"`
	CurrentBranch string `json:"current_branch,omitempty"`
}

func (s *Server) setBranch(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var body struct {
		BranchName string `json:"branch_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if body.BranchName == "" {
		writeBadRequest(w, "branch_name is required")
		return
	}
	if err := s.Graph.CheckoutBranch(r.Context(), taskID, body.BranchName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enqueuedResponse{Success: true, CurrentBranch: body.BranchName})
}

func (s *Server) deleteBranch(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	if err := s.Graph.DeleteBranch(r.Context(), taskID, name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enqueuedResponse{Success: true})
}

type updateRequest struct {
	CommitHash string `json:"commit_hash"`
	Suggestion string `json:"suggestion"`
}

// update enqueues a single up-front partial plan replan followed by
// run-to-completion.
func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var body updateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if body.CommitHash == "" || body.Suggestion == "" {
		writeBadRequest(w, "commit_hash and suggestion are required")
		return
	}

	branchName := fmt.Sprintf("plan_update_%d", time.Now().UnixNano())
	if err := s.Graph.CheckoutBranchFromCommit(r.Context(), taskID, branchName, body.CommitHash); err != nil {
		writeError(w, err)
		return
	}
	s.Queue.AddTask(taskID, body, func(ctx context.Context, taskID string, request any) error {
		req := request.(updateRequest)
		return s.Manager.Update(ctx, taskID, branchName, req.CommitHash, req.Suggestion, false, "", nil)
	}, time.Now())
	writeJSON(w, http.StatusOK, enqueuedResponse{Success: true, CurrentBranch: branchName})
}

type dynamicUpdateRequest struct {
	CommitHash string `json:"commit_hash"`
	Suggestion string `json:"suggestion"`
	Steps      int    `json:"steps"`
}

// dynamicUpdate enqueues the self-reassessing variant of update, which
// re-judges the plan at every step instead of once up front.
func (s *Server) dynamicUpdate(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var body dynamicUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if body.CommitHash == "" || body.Suggestion == "" {
		writeBadRequest(w, "commit_hash and suggestion are required")
		return
	}
	if body.Steps <= 0 {
		body.Steps = 20
	}

	branchName := fmt.Sprintf("dynamic_plan_%d", time.Now().UnixNano())
	if err := s.Graph.CheckoutBranchFromCommit(r.Context(), taskID, branchName, body.CommitHash); err != nil {
		writeError(w, err)
		return
	}
	s.Queue.AddTask(taskID, body, func(ctx context.Context, taskID string, request any) error {
		req := request.(dynamicUpdateRequest)
		return s.Manager.DynamicUpdate(ctx, taskID, branchName, req.CommitHash, req.Suggestion, req.Steps, nil)
	}, time.Now())
	writeJSON(w, http.StatusOK, enqueuedResponse{Success: true, CurrentBranch: branchName})
}

type optimizeStepRequest struct {
	CommitHash string `json:"commit_hash"`
	SeqNo      int    `json:"seq_no"`
	Suggestion string `json:"suggestion"`
}

func (s *Server) optimizeStep(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var body optimizeStepRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if body.CommitHash == "" || body.Suggestion == "" {
		writeBadRequest(w, "commit_hash and suggestion are required")
		return
	}
	s.Queue.AddTask(taskID, body, func(ctx context.Context, taskID string, request any) error {
		req := request.(optimizeStepRequest)
		return s.Manager.OptimizeStep(ctx, taskID, req.CommitHash, req.SeqNo, req.Suggestion, nil)
	}, time.Now())
	writeJSON(w, http.StatusOK, enqueuedResponse{Success: true})
}

type reExecuteRequest struct {
	CommitHash string                `json:"commit_hash"`
	Plan       []planmodel.PlanStep `json:"plan"`
}

func (s *Server) reExecute(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var body reExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	s.Queue.AddTask(taskID, body, func(ctx context.Context, taskID string, request any) error {
		req := request.(reExecuteRequest)
		return s.Manager.ReExecute(ctx, taskID, req.CommitHash, req.Plan, nil)
	}, time.Now())
	writeJSON(w, http.StatusOK, enqueuedResponse{Success: true})
}

func (s *Server) saveBestPlan(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	hash := chi.URLParam(r, "hash")
	if err := s.Manager.SaveBestPlan(r.Context(), taskID, hash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enqueuedResponse{Success: true})
}
