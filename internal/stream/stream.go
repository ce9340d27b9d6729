// Package stream implements the server→client streaming protocol: typed
// events newline-framed as "<code>:<json-body>\n", and the bounded-queue
// producer/consumer pairing that couples a VM step's worker thread to the
// HTTP response writer.
package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/clipperhouse/uax29/v2/sentences"
)

// Code identifies one event's wire shape.
type Code string

const (
	CodeTextPart           Code = "0"
	CodeDataPart           Code = "2"
	CodeErrorPart          Code = "3"
	CodeMessageAnnotation  Code = "8"
	CodeToolCall           Code = "9"
	CodeToolResult         Code = "a"
	CodeStepFinish         Code = "e"
	CodeFinishMessage      Code = "d"
)

// Usage mirrors the prompt/completion token accounting in step-finish and
// finish-message events.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Annotation is the body of a message-annotation event.
type Annotation struct {
	TaskID string `json:"task_id"`
	Branch string `json:"branch"`
	SeqNo  int    `json:"seq_no"`
	State  string `json:"state"`
}

// ToolCall is the body of a tool-call event.
type ToolCall struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Args       any    `json:"args"`
}

// ToolResult is the body of a tool-result event.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     any    `json:"result"`
}

// StepFinish is the body of a step-finish event.
type StepFinish struct {
	Step         int    `json:"step"`
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
}

// FinishMessage is the body of the terminal finish-message event.
type FinishMessage struct {
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
	Response     string `json:"response,omitempty"`
}

// Writer encodes events as "<code>:<json>\n" onto an underlying writer. It
// is safe to call from a single goroutine only; the handler that drains the
// producer queue is the sole writer.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (sw *Writer) emit(code Code, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("stream: encode %s event: %w", code, err)
	}
	_, err = fmt.Fprintf(sw.w, "%s:%s\n", code, data)
	return err
}

func (sw *Writer) TextPart(text string) error               { return sw.emit(CodeTextPart, text) }
func (sw *Writer) DataPart(data any) error                  { return sw.emit(CodeDataPart, data) }
func (sw *Writer) ErrorPart(message string) error           { return sw.emit(CodeErrorPart, message) }
func (sw *Writer) MessageAnnotation(a []Annotation) error   { return sw.emit(CodeMessageAnnotation, a) }
func (sw *Writer) ToolCall(c ToolCall) error                { return sw.emit(CodeToolCall, c) }
func (sw *Writer) ToolResult(r ToolResult) error            { return sw.emit(CodeToolResult, r) }
func (sw *Writer) StepFinish(f StepFinish) error            { return sw.emit(CodeStepFinish, f) }
func (sw *Writer) FinishMessage(f FinishMessage) error      { return sw.emit(CodeFinishMessage, f) }

// SplitSentences breaks an un-streamed final_answer into sentence-boundary
// chunks, used when the producing step never forwarded text to the stream
// queue and the handler must synthesize text-part events after the fact.
func SplitSentences(text string) []string {
	var out []string
	segments := sentences.FromString(text)
	for segments.Next() {
		s := segments.Value()
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Queue is the bounded channel coupling a producer (the VM step running
// the final-answer-producing tool call) to a consumer (the HTTP handler).
// The producer forwards every text chunk it receives; the consumer polls
// with a 1-second timeout.
type Queue struct {
	ch chan string
}

// NewQueue constructs a bounded queue with the given buffer size.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 32
	}
	return &Queue{ch: make(chan string, size)}
}

// Push forwards one text chunk. It never blocks the producer past the
// buffer size; callers running inside a step should treat a full queue as
// backpressure, not an error.
func (q *Queue) Push(chunk string) { q.ch <- chunk }

// Close signals no further chunks will be pushed.
func (q *Queue) Close() { close(q.ch) }

// Chan exposes the receive side for the consumer's poll loop.
func (q *Queue) Chan() <-chan string { return q.ch }
