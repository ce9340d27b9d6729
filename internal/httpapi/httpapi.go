// Package httpapi is the HTTP surface for the Plan Execution Engine: a
// chi-routed REST API over tasks, branches, and commits, plus the
// stream_execute_vm streaming endpoint and a generated-file download
// route.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/mcts"
	"github.com/ngaut/planengine/internal/taskmanager"
	"github.com/ngaut/planengine/internal/taskqueue"
	"github.com/ngaut/planengine/internal/taskstore"
	"github.com/ngaut/planengine/internal/telemetry"
)

// Server holds every collaborator the HTTP surface dispatches to. It has no
// state of its own beyond configuration; all mutable state lives in Graph,
// Tasks, and the goroutines Queue owns.
type Server struct {
	Graph     commitgraph.Graph
	Tasks     taskstore.Store
	Manager   *taskmanager.Manager
	Optimizer *mcts.Optimizer
	Queue     *taskqueue.Queue

	GeneratedFilesDir  string
	CORSAllowedOrigins []string

	Log     telemetry.Logger
	Metrics telemetry.Metrics
}

// Router builds the complete route table described by the external
// interfaces table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/evaluation", s.listEvaluation)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/branches", s.listBranches)
		r.Get("/tasks/{id}/branches/{branch}/details", s.branchDetails)
		r.Get("/tasks/{id}/branches/{branch}/answer_detail", s.branchAnswerDetail)
		r.Get("/tasks/{id}/commits/{hash}/detail", s.commitDetail)
		r.Get("/tasks/{id}/commits/{hash}/diff", s.commitDiff)
		r.Get("/tasks/{id}/milestones", s.listMilestones)
		r.Post("/tasks/{id}/set_branch", s.setBranch)
		r.Delete("/tasks/{id}/branches/{name}", s.deleteBranch)
		r.Post("/tasks/{id}/update", s.update)
		r.Post("/tasks/{id}/dynamic_update", s.dynamicUpdate)
		r.Post("/tasks/{id}/optimize_step", s.optimizeStep)
		r.Post("/tasks/{id}/re_execute", s.reExecute)
		r.Post("/tasks/{id}/commits/{hash}/save_best_plan", s.saveBestPlan)

		r.Get("/best_plans", s.listBestPlans)
		r.Post("/stream_execute_vm", s.streamExecuteVM)
		r.Get("/download/{filename}", s.download)
	})
	return r
}

// cors applies the configured allow-list. An empty CORSAllowedOrigins
// disables cross-origin access entirely, matching a same-origin-only
// default.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.CORSAllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
