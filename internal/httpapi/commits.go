package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ngaut/planengine/internal/commitgraph"
)

func (s *Server) commitDetail(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	hash := chi.URLParam(r, "hash")
	commit, err := s.Graph.GetCommit(r.Context(), taskID, hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

type diffResponse struct {
	Diff string `json:"diff"`
}

func (s *Server) commitDiff(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	hash := chi.URLParam(r, "hash")
	diff, err := s.Graph.GetStateDiff(r.Context(), taskID, hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diffResponse{Diff: diff})
}

type milestonesResponse struct {
	Items []commitgraph.Milestone `json:"items"`
}

func (s *Server) listMilestones(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	milestones, err := s.Graph.ListMilestones(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, milestonesResponse{Items: milestones})
}
