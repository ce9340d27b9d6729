package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/taskstore"
)

type taskListResponse struct {
	Items []planmodel.Task `json:"items"`
	Total int              `json:"total"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	page, err := s.Tasks.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskListResponse{Items: page.Items, Total: page.Total})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listBranches(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	branches, err := s.Graph.ListBranches(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func (s *Server) branchDetails(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	branch := chi.URLParam(r, "branch")
	commits, err := s.Graph.GetCommits(r.Context(), taskID, branch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

type answerDetail struct {
	Task   planmodel.Task      `json:"task"`
	Commit planmodel.CommitRow `json:"commit"`
}

func (s *Server) branchAnswerDetail(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	branch := chi.URLParam(r, "branch")
	ctx := r.Context()

	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	commit, err := s.Graph.GetLatestCommit(ctx, taskID, branch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answerDetail{Task: task, Commit: commit})
}

func (s *Server) listEvaluation(w http.ResponseWriter, r *http.Request) {
	filter := taskstore.EvaluationFilter{}
	q := r.URL.Query()
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "invalid start_time: "+err.Error())
			return
		}
		filter.StartTime = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "invalid end_time: "+err.Error())
			return
		}
		filter.EndTime = t
	}
	if v := q.Get("evaluation_status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			filter.Statuses = append(filter.Statuses, planmodel.EvaluationStatus(strings.TrimSpace(part)))
		}
	}

	tasks, err := s.Tasks.ListEvaluation(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) listBestPlans(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	page, err := s.Tasks.ListBestPlans(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskListResponse{Items: page.Items, Total: page.Total})
}

func pageParams(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	return limit, offset
}

