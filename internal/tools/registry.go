package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"repcoach/server/internal/llm"
	"repcoach/server/internal/logging"
)

// Handler executes one tool. Validation and domain-rule failures come back
// as "Error: ..." result strings the model can read and recover from; a
// non-nil error is reserved for infrastructure failures that should fail
// the turn.
type Handler interface {
	Name() string
	Definition() llm.Tool
	Execute(ctx context.Context, args json.RawMessage, tc *Context) (string, error)
}

type Registry struct {
	handlers map[string]Handler
	order    []string
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

func (r *Registry) Register(h Handler) {
	name := h.Name()
	if _, exists := r.handlers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.handlers[name] = h
}

// Definitions returns the tool schemas in registration order, ready for the
// turn request.
func (r *Registry) Definitions() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handlers[name].Definition())
	}
	return out
}

// Dispatch runs one sealed call. An unknown tool name is a conversational
// failure, not an infrastructure one: the model gets a result string naming
// the problem and the turn continues.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall, tc *Context) (llm.ToolOutput, error) {
	handler, ok := r.handlers[call.Name]
	if !ok {
		tc.Logger.Warn("tools.unknown_tool", "name", call.Name, "call_id", call.ID)
		return llm.ToolOutput{
			CallID: call.ID,
			Output: fmt.Sprintf("Error: unknown tool %q.", call.Name),
		}, nil
	}
	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := handler.Execute(ctx, args, tc)
	if err != nil {
		return llm.ToolOutput{}, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	tc.Logger.Info("tools.dispatched",
		"name", call.Name,
		"call_id", call.ID,
		"args", logging.RedactJSON(args),
	)
	return llm.ToolOutput{CallID: call.ID, Output: result}, nil
}

// DispatchBatch runs every call of a turn in arrival order and returns all
// outputs together for a single resubmission. The first infrastructure
// error aborts the batch.
func (r *Registry) DispatchBatch(ctx context.Context, calls []llm.ToolCall, tc *Context) ([]llm.ToolOutput, error) {
	outputs := make([]llm.ToolOutput, 0, len(calls))
	for _, call := range calls {
		output, err := r.Dispatch(ctx, call, tc)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

// decodeArgs unmarshals sealed argument text into a typed struct; a failed
// decode is a conversational failure surfaced to the model.
func decodeArgs(args json.RawMessage, into any) string {
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Sprintf("Error: could not parse tool arguments: %v.", err)
	}
	return ""
}
