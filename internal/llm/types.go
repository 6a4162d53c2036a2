package llm

import "encoding/json"

// Message is a plain conversation message without tool traffic.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes one function tool offered to the model.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef carries the declarative parameter contract for a tool. The
// schema is configuration, not code; handlers re-validate every field.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is one invocation requested by the model. Argument text arrives
// fragmented over the stream; the value here is only meaningful once the
// call has been sealed by an arguments-done record.
type ToolCall struct {
	ID        string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolOutput is the textual result a handler produced for one ToolCall.
// Outputs are submitted back to the model together with the turn's previous
// response id to continue generation.
type ToolOutput struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// TurnRequest is one request to the model provider. Exactly one of Messages
// or ToolOutputs must be set; ToolOutputs requires PreviousResponseID.
type TurnRequest struct {
	Messages           []Message    `json:"messages,omitempty"`
	PreviousResponseID string       `json:"previous_response_id,omitempty"`
	ToolOutputs        []ToolOutput `json:"tool_outputs,omitempty"`
	Instructions       string       `json:"instructions,omitempty"`
	Tools              []Tool       `json:"tools,omitempty"`
}

// Valid reports whether the request carries exactly one input shape.
func (r TurnRequest) Valid() bool {
	if len(r.ToolOutputs) > 0 {
		return len(r.Messages) == 0 && r.PreviousResponseID != ""
	}
	return len(r.Messages) > 0
}
