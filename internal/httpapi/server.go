package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"repcoach/server/internal/engine"
	"repcoach/server/internal/errinfo"
	"repcoach/server/internal/llm"
	"repcoach/server/internal/logging"
	"repcoach/server/internal/store"
	"repcoach/server/internal/stream"
	"repcoach/server/internal/tools"
)

const defaultUserID = "local"

// Server exposes the conversation engine and draft resolution over HTTP.
// Turn output is an SSE stream; everything else is plain JSON.
type Server struct {
	engine *engine.Engine
	drafts *tools.DraftRegistry
	store  *store.Store
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(eng *engine.Engine, drafts *tools.DraftRegistry, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		engine: eng,
		drafts: drafts,
		store:  st,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("POST /drafts/{id}/confirm", s.handleDraftConfirm)
	s.mux.HandleFunc("POST /drafts/{id}/discard", s.handleDraftDiscard)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type chatRequest struct {
	UserID             string        `json:"userId,omitempty"`
	Messages           []chatMessage `json:"messages,omitempty"`
	PreviousResponseID string        `json:"previousResponseId,omitempty"`
	ToolOutputs        []chatOutput  `json:"toolOutputs,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOutput struct {
	CallID string `json:"callId"`
	Output string `json:"output"`
}

func (r chatRequest) validate() *errinfo.ErrorInfo {
	hasMessages := len(r.Messages) > 0
	hasOutputs := len(r.ToolOutputs) > 0
	switch {
	case hasMessages && hasOutputs:
		return errinfo.ValidationFailed(errinfo.PhaseTurn, "messages and toolOutputs are mutually exclusive")
	case !hasMessages && !hasOutputs:
		return errinfo.ValidationFailed(errinfo.PhaseTurn, "one of messages or toolOutputs is required")
	case hasOutputs && strings.TrimSpace(r.PreviousResponseID) == "":
		return errinfo.ValidationFailed(errinfo.PhaseTurn, "toolOutputs requires previousResponseId")
	}
	for _, m := range r.Messages {
		if strings.TrimSpace(m.Role) == "" || m.Content == "" {
			return errinfo.ValidationFailed(errinfo.PhaseTurn, "each message needs a role and content")
		}
	}
	for _, o := range r.ToolOutputs {
		if strings.TrimSpace(o.CallID) == "" {
			return errinfo.ValidationFailed(errinfo.PhaseTurn, "each tool output needs a callId")
		}
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest,
			errinfo.ValidationFailed(errinfo.PhaseTurn, "invalid JSON body: "+err.Error()))
		return
	}
	if failure := req.validate(); failure != nil {
		writeError(w, http.StatusBadRequest, failure)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = defaultUserID
	}

	input := engine.TurnInput{
		UserID:             userID,
		PreviousResponseID: req.PreviousResponseID,
	}
	for _, m := range req.Messages {
		input.Messages = append(input.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	for _, o := range req.ToolOutputs {
		input.ToolOutputs = append(input.ToolOutputs, llm.ToolOutput{CallID: o.CallID, Output: o.Output})
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := stream.NewWriter(w)
	s.engine.RunTurn(r.Context(), input, func(update engine.Update) {
		s.forwardUpdate(writer, update)
	})
}

// forwardUpdate maps one engine update onto the wire. Tool-call events keep
// call_id, name, and arguments at the top level; text rides in data.delta.
func (s *Server) forwardUpdate(writer *stream.Writer, update engine.Update) {
	var err error
	switch update.Type {
	case engine.UpdateState:
		err = writer.Send("state", map[string]any{"state": string(update.State)})
	case engine.UpdateTextDelta:
		err = writer.Send("text_delta", map[string]any{"delta": update.Delta})
	case engine.UpdateToolCall:
		err = writer.Send("tool_call", map[string]any{
			"call_id":   update.Call.ID,
			"name":      update.Call.Name,
			"arguments": update.Call.Arguments,
		})
	case engine.UpdateArtifact:
		err = writer.Send(update.Artifact.Type, update.Artifact.Payload)
	case engine.UpdateNotice:
		err = writer.Send("notice", map[string]any{"message": update.Delta})
	case engine.UpdateCompleted:
		err = writer.Send("turn_completed", map[string]any{"response_id": update.ResponseID})
	case engine.UpdateFailed:
		err = writer.Send("error", update.Err)
	}
	if err != nil {
		s.logger.Warn("httpapi.stream_write_failed", "update", string(update.Type), "error", err.Error())
	}
}

func (s *Server) handleDraftConfirm(w http.ResponseWriter, r *http.Request) {
	s.resolveDraft(w, r, func(ctx context.Context, id string) (tools.DraftState, error) {
		return s.drafts.Confirm(ctx, id)
	})
}

func (s *Server) handleDraftDiscard(w http.ResponseWriter, r *http.Request) {
	s.resolveDraft(w, r, func(_ context.Context, id string) (tools.DraftState, error) {
		return s.drafts.Discard(id)
	})
}

func (s *Server) resolveDraft(w http.ResponseWriter, r *http.Request, resolve func(context.Context, string) (tools.DraftState, error)) {
	id := r.PathValue("id")
	state, err := resolve(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, tools.ErrDraftNotFound):
			writeError(w, http.StatusNotFound, errinfo.DraftNotFound("no draft with id "+id))
		case errors.Is(err, store.ErrDurableLogUnavailable):
			writeError(w, http.StatusServiceUnavailable, errinfo.StoreUnavailable(errinfo.PhaseDraft, err.Error()))
		default:
			writeError(w, http.StatusInternalServerError, errinfo.StoreUnavailable(errinfo.PhaseDraft, err.Error()))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"draft_id": id,
		"state":    string(state),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"outbox_depth": s.store.OutboxDepth(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, info *errinfo.ErrorInfo) {
	writeJSON(w, status, map[string]any{"error": info})
}
