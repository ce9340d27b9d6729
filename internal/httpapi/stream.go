package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/stream"
)

type streamExecuteRequest struct {
	Goal      string `json:"goal"`
	Namespace string `json:"namespace"`
}

// streamExecuteVM creates a task from a submitted goal, generates its plan,
// and runs it to completion, streaming every step's events over the wire
// format described in the external interfaces table. A client disconnect
// is treated as cancellation: the task is marked failed with a canned log
// and the handler returns without writing further events.
func (s *Server) streamExecuteVM(w http.ResponseWriter, r *http.Request) {
	var body streamExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	cleanGoal, responseFormat := ParseGoal(body.Goal)
	if cleanGoal == "" {
		writeBadRequest(w, "goal is required")
		return
	}

	meta := map[string]any{}
	if len(responseFormat) > 0 {
		meta["response_format"] = responseFormat
	}
	task, err := s.Tasks.Create(r.Context(), planmodel.Task{
		Goal:      cleanGoal,
		Status:    planmodel.TaskPending,
		Namespace: body.Namespace,
		Meta:      meta,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	writer := stream.NewWriter(&flushWriter{w: w, flusher: flusher})
	ctx := r.Context()
	sink := &vmStreamSink{w: writer, taskID: task.ID, graph: s.Graph, ctx: ctx}

	if err := s.Manager.Execute(ctx, task.ID, sink); err != nil {
		if ctx.Err() != nil {
			task.Status = planmodel.TaskFailed
			if task.Meta == nil {
				task.Meta = map[string]any{}
			}
			task.Meta["logs"] = "interrupted by the client"
			_ = s.Tasks.Save(context.Background(), task)
			s.Log.Warn(context.Background(), "httpapi: stream_execute_vm interrupted by client", "task", task.ID)
			return
		}
		_ = writer.ErrorPart(err.Error())
		_ = writer.FinishMessage(stream.FinishMessage{FinishReason: "error"})
	}
}

// flushWriter flushes the underlying ResponseWriter after every write so
// each newline-framed event reaches the client as soon as it's emitted.
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return n, err
}

// vmStreamSink adapts taskmanager.StepSink to the wire protocol, fetching
// the VM state snapshot for annotation events from the commit graph rather
// than threading it through the sink interface.
type vmStreamSink struct {
	w      *stream.Writer
	taskID string
	graph  commitgraph.Graph
	ctx    context.Context
}

func (s *vmStreamSink) ToolCall(seqNo int, toolCallID, toolName string, args map[string]any) {
	_ = s.w.ToolCall(stream.ToolCall{ToolCallID: toolCallID, ToolName: toolName, Args: args})
}

func (s *vmStreamSink) ToolResult(seqNo int, toolCallID string, result any) {
	_ = s.w.ToolResult(stream.ToolResult{ToolCallID: toolCallID, Result: result})
}

func (s *vmStreamSink) FinalAnswerText(text string) {
	for _, chunk := range stream.SplitSentences(text) {
		_ = s.w.TextPart(chunk)
	}
}

func (s *vmStreamSink) Annotation(branch string, seqNo int) {
	var state string
	if hash, err := s.graph.GetCurrentCommitHash(s.ctx, s.taskID); err == nil {
		if row, err := s.graph.GetCommit(s.ctx, s.taskID, hash); err == nil {
			if encoded, err := json.Marshal(row.VMState); err == nil {
				state = string(encoded)
			}
		}
	}
	_ = s.w.MessageAnnotation([]stream.Annotation{{TaskID: s.taskID, Branch: branch, SeqNo: seqNo, State: state}})
}

func (s *vmStreamSink) StepFinish(seqNo int, finishReason string) {
	_ = s.w.StepFinish(stream.StepFinish{Step: seqNo, FinishReason: finishReason})
}

func (s *vmStreamSink) Finish(finishReason string) {
	_ = s.w.FinishMessage(stream.FinishMessage{FinishReason: finishReason})
}
