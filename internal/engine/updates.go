package engine

import (
	"repcoach/server/internal/errinfo"
	"repcoach/server/internal/llm"
	"repcoach/server/internal/tools"
)

// TurnState names where the turn state machine currently is.
type TurnState string

const (
	StateIdle                TurnState = "idle"
	StateStreaming           TurnState = "streaming"
	StateCollectingToolCalls TurnState = "collecting_tool_calls"
	StateDispatching         TurnState = "dispatching"
	StateResubmitting        TurnState = "resubmitting"
	StateCompleted           TurnState = "completed"
	StateFailed              TurnState = "failed"
)

type UpdateType string

const (
	UpdateState     UpdateType = "state"
	UpdateTextDelta UpdateType = "text_delta"
	UpdateToolCall  UpdateType = "tool_call"
	UpdateArtifact  UpdateType = "artifact"
	UpdateNotice    UpdateType = "notice"
	UpdateCompleted UpdateType = "completed"
	UpdateFailed    UpdateType = "failed"
)

// Update is one observable step of a running turn. Exactly the fields for
// its type are set.
type Update struct {
	Type       UpdateType
	State      TurnState
	Delta      string
	Call       *llm.ToolCall
	Artifact   *tools.Artifact
	ResponseID string
	Err        *errinfo.ErrorInfo
}
