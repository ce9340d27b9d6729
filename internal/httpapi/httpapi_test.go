package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ngaut/planengine/internal/commitgraph/fsgraph"
	"github.com/ngaut/planengine/internal/instructions"
	"github.com/ngaut/planengine/internal/labelclassifier"
	"github.com/ngaut/planengine/internal/llm"
	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/plancache"
	"github.com/ngaut/planengine/internal/plangen"
	"github.com/ngaut/planengine/internal/taskmanager"
	"github.com/ngaut/planengine/internal/taskqueue"
	"github.com/ngaut/planengine/internal/taskstore"
	"github.com/ngaut/planengine/internal/telemetry"
	"github.com/ngaut/planengine/internal/toolregistry"
	"github.com/ngaut/planengine/internal/vmerr"
)

type fakeLLM struct {
	response string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string) (llm.Response, error) {
	return llm.Response{Text: f.response}, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func newServer(t *testing.T) (*Server, *taskstore.Memory) {
	t.Helper()
	graph, err := fsgraph.Open(t.TempDir())
	require.NoError(t, err)

	tasks := taskstore.NewMemory()
	labels := taskstore.NewMemoryLabels(tasks)

	planResponse := `[{"seq_no": 0, "type": "assign", "parameters": {"final_answer": "42"}}]`
	gen, err := plangen.NewGenerator(&fakeLLM{response: planResponse}, toolregistry.New(), "# spec\n\nsteps run in order.")
	require.NoError(t, err)
	classifier := labelclassifier.New(labels, &fakeLLM{response: "[]"})
	cache := plancache.New(nil, nil, telemetry.NewNoopLogger())

	manager := taskmanager.New(graph, tasks, gen, &plangen.Optimizer{LLM: &fakeLLM{response: planResponse}},
		classifier, cache, instructions.Deps{Tools: toolregistry.New(), LLM: &fakeLLM{}}, 2,
		telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())

	queue := taskqueue.New(2, time.Minute, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	dir := t.TempDir()
	server := &Server{
		Graph:              graph,
		Tasks:              tasks,
		Manager:            manager,
		Queue:              queue,
		GeneratedFilesDir:  dir,
		CORSAllowedOrigins: []string{"https://allowed.example"},
		Log:                telemetry.NewNoopLogger(),
		Metrics:            telemetry.NewNoopMetrics(),
	}
	return server, tasks
}

func TestRouter_GetTaskReturnsTaskJSON(t *testing.T) {
	server, tasks := newServer(t)
	task, err := tasks.Create(context.Background(), planmodel.Task{Goal: "a goal"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+task.ID, nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got planmodel.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, "a goal", got.Goal)
}

func TestRouter_GetUnknownTaskReturnsNotFound(t *testing.T) {
	server, _ := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_ListTasksReturnsItemsAndTotal(t *testing.T) {
	server, tasks := newServer(t)
	_, err := tasks.Create(context.Background(), planmodel.Task{Goal: "first"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got taskListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, 1, got.Total)
}

func TestRouter_SetBranchRequiresBranchName(t *testing.T) {
	server, tasks := newServer(t)
	task, err := tasks.Create(context.Background(), planmodel.Task{Goal: "a goal"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/set_branch", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_SetBranchSwitchesToExistingBranch(t *testing.T) {
	server, tasks := newServer(t)
	ctx := context.Background()
	task, err := tasks.Create(ctx, planmodel.Task{Goal: "a goal"})
	require.NoError(t, err)
	head, err := server.Graph.GetCurrentCommitHash(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, server.Graph.CheckoutBranchFromCommit(ctx, task.ID, "experiment", head))
	require.NoError(t, server.Graph.CheckoutBranch(ctx, task.ID, "main"))

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/set_branch",
		strings.NewReader(`{"branch_name": "experiment"}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	current, err := server.Graph.GetCurrentBranch(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, "experiment", current)
}

func TestRouter_ListMilestonesReturnsMarkedMilestones(t *testing.T) {
	server, tasks := newServer(t)
	task, err := tasks.Create(context.Background(), planmodel.Task{Goal: "a goal"})
	require.NoError(t, err)
	require.NoError(t, server.Manager.Execute(context.Background(), task.ID, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+task.ID+"/milestones", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got milestonesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got.Items, 1)
	require.Equal(t, "plan generated", got.Items[0].Label)
}

func TestRouter_DownloadRejectsPathTraversal(t *testing.T) {
	server, _ := newServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(server.GeneratedFilesDir, "report.txt"), []byte("data"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/api/download/..%2F..%2Fetc%2Fpasswd", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.NotEqual(t, http.StatusOK, rec.Code)
}

func TestRouter_DownloadServesFileByBasename(t *testing.T) {
	server, _ := newServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(server.GeneratedFilesDir, "report.txt"), []byte("hello"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/api/download/report.txt", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
}

func TestCORS_AllowedOriginGetsHeaders(t *testing.T) {
	server, _ := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, "https://allowed.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_DisallowedOriginGetsNoHeaders(t *testing.T) {
	server, _ := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_OptionsRequestReturnsNoContent(t *testing.T) {
	server, _ := newServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestParseGoal_ExtractsTrailingResponseFormat(t *testing.T) {
	goal, format := ParseGoal("summarize the report (Lang: fr, Tone: formal)")
	require.Equal(t, "summarize the report", goal)
	require.Equal(t, map[string]string{"Lang": "fr", "Tone": "formal"}, format)
}

func TestParseGoal_NoTrailingGroupReturnsNilFormat(t *testing.T) {
	goal, format := ParseGoal("summarize the report")
	require.Equal(t, "summarize the report", goal)
	require.Nil(t, format)
}

func TestWriteError_CommitNotFoundMapsToNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, vmerr.ErrCommitNotFound)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteError_GenericErrorMapsToInternalServerError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, context.DeadlineExceeded)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
