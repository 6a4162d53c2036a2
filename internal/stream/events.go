package stream

import "repcoach/server/internal/llm"

type EventType string

const (
	EventTurnStarted       EventType = "turn_started"
	EventTextDelta         EventType = "text_delta"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallArgDelta  EventType = "tool_call_argument_delta"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventTurnCompleted     EventType = "turn_completed"
	EventError             EventType = "error"
)

// Event is one discrete unit reconstructed from the chunked feed.
type Event struct {
	Type       EventType
	ResponseID string
	Delta      string
	CallID     string
	// Call is set on tool_call_started (id and name known, arguments still
	// streaming) and tool_call_completed (sealed, arguments final).
	Call *llm.ToolCall
	// DroppedCalls lists tool-call ids that were still accumulating when the
	// turn ended. Set on turn_completed only; the caller decides policy.
	DroppedCalls []string
	Err          error
}
