package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"repcoach/server/internal/errinfo"
	"repcoach/server/internal/llm"
	"repcoach/server/internal/logging"
	"repcoach/server/internal/remote"
	"repcoach/server/internal/store"
	"repcoach/server/internal/tools"
)

// fakeOpener scripts one SSE body (or error) per stream open and records
// every request it saw.
type fakeOpener struct {
	mu       sync.Mutex
	scripts  []any // string body or error
	requests []llm.TurnRequest
}

func (f *fakeOpener) OpenTurnStream(_ context.Context, _, _ string, turn llm.TurnRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, turn)
	if len(f.scripts) == 0 {
		return nil, fmt.Errorf("unexpected stream open #%d", len(f.requests))
	}
	next := f.scripts[0]
	f.scripts = f.scripts[1:]
	switch v := next.(type) {
	case string:
		return io.NopCloser(strings.NewReader(v)), nil
	case error:
		return nil, v
	case io.ReadCloser:
		return v, nil
	}
	return nil, fmt.Errorf("bad script entry %T", next)
}

func (f *fakeOpener) recorded() []llm.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llm.TurnRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func sseRecord(eventType, data string) string {
	return "event: " + eventType + "\ndata: " + data + "\n\n"
}

func textTurnBody(responseID, text string) string {
	return sseRecord("response.created", `{"type":"response.created","response":{"id":"`+responseID+`"}}`) +
		sseRecord("response.output_text.delta", `{"type":"response.output_text.delta","delta":"`+text+`"}`) +
		sseRecord("response.completed", `{"type":"response.completed","response":{"id":"`+responseID+`"}}`) +
		"data: [DONE]\n\n"
}

func toolCallRecord(callID, name, arguments string) string {
	return sseRecord("response.output_item.added",
		`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"`+callID+`","name":"`+name+`"}}`) +
		sseRecord("response.function_call_arguments.done",
			`{"type":"response.function_call_arguments.done","call_id":"`+callID+`","arguments":"`+arguments+`"}`)
}

func newTestEngine(t *testing.T, opener *fakeOpener) *Engine {
	t.Helper()
	st, err := store.New(t.TempDir(), remote.NewFake(), logging.Nop(),
		store.WithRetryBaseDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return New(Config{
		Client:       opener,
		Registry:     tools.DefaultRegistry(),
		Store:        st,
		Drafts:       tools.NewDraftRegistry(st),
		APIKey:       func() (string, error) { return "sk-test", nil },
		Model:        "gpt-5.2",
		StallTimeout: 2 * time.Second,
		Logger:       logging.Nop(),
	})
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) emit(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) byType(t UpdateType) []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Update
	for _, u := range r.updates {
		if u.Type == t {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) text() string {
	var b strings.Builder
	for _, u := range r.byType(UpdateTextDelta) {
		b.WriteString(u.Delta)
	}
	return b.String()
}

func userTurn(text string) TurnInput {
	return TurnInput{
		UserID:   "u1",
		Messages: []llm.Message{{Role: "user", Content: text}},
	}
}

func TestRunTurnPlainText(t *testing.T) {
	opener := &fakeOpener{scripts: []any{textTurnBody("resp_1", "Rest day today.")}}
	e := newTestEngine(t, opener)
	rec := &recorder{}

	e.RunTurn(context.Background(), userTurn("what's on today?"), rec.emit)

	if got := rec.text(); got != "Rest day today." {
		t.Errorf("text = %q", got)
	}
	completed := rec.byType(UpdateCompleted)
	if len(completed) != 1 || completed[0].ResponseID != "resp_1" {
		t.Fatalf("completed = %+v", completed)
	}
	if failed := rec.byType(UpdateFailed); len(failed) != 0 {
		t.Errorf("failed = %+v", failed)
	}
	requests := opener.recorded()
	if len(requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(requests))
	}
	if len(requests[0].Tools) == 0 {
		t.Error("first request carried no tool definitions")
	}
}

func TestRunTurnBatchedToolDispatch(t *testing.T) {
	firstBody := sseRecord("response.created", `{"type":"response.created","response":{"id":"resp_1"}}`) +
		toolCallRecord("call_a", "show_schedule", `{}`) +
		toolCallRecord("call_b", "suggest_replies", `{\"suggestions\":[\"Log a set\"]}`) +
		sseRecord("response.completed", `{"type":"response.completed","response":{"id":"resp_1"}}`) +
		"data: [DONE]\n\n"
	opener := &fakeOpener{scripts: []any{firstBody, textTurnBody("resp_2", "All done.")}}
	e := newTestEngine(t, opener)
	rec := &recorder{}

	e.RunTurn(context.Background(), userTurn("show my week"), rec.emit)

	if failed := rec.byType(UpdateFailed); len(failed) != 0 {
		t.Fatalf("failed = %+v", failed)
	}
	calls := rec.byType(UpdateToolCall)
	if len(calls) != 2 {
		t.Fatalf("tool call updates = %d, want 2", len(calls))
	}

	requests := opener.recorded()
	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(requests))
	}
	second := requests[1]
	if second.PreviousResponseID != "resp_1" {
		t.Errorf("continuation previous_response_id = %q", second.PreviousResponseID)
	}
	if len(second.Messages) != 0 {
		t.Errorf("continuation carried messages: %+v", second.Messages)
	}
	// Both outputs go back in one submission, in call order.
	if len(second.ToolOutputs) != 2 {
		t.Fatalf("tool outputs = %+v, want both together", second.ToolOutputs)
	}
	if second.ToolOutputs[0].CallID != "call_a" || second.ToolOutputs[1].CallID != "call_b" {
		t.Errorf("output order = %s, %s", second.ToolOutputs[0].CallID, second.ToolOutputs[1].CallID)
	}

	artifacts := rec.byType(UpdateArtifact)
	if len(artifacts) != 1 || artifacts[0].Artifact.Type != tools.ArtifactSuggestionChips {
		t.Errorf("artifacts = %+v, want suggestion chips", artifacts)
	}
	if completed := rec.byType(UpdateCompleted); len(completed) != 1 || completed[0].ResponseID != "resp_2" {
		t.Errorf("completed = %+v", completed)
	}
}

func TestRunTurnUnknownToolContinues(t *testing.T) {
	firstBody := sseRecord("response.created", `{"type":"response.created","response":{"id":"resp_1"}}`) +
		toolCallRecord("call_a", "teleport_user", `{}`) +
		sseRecord("response.completed", `{"type":"response.completed","response":{"id":"resp_1"}}`) +
		"data: [DONE]\n\n"
	opener := &fakeOpener{scripts: []any{firstBody, textTurnBody("resp_2", "Sorry, I cannot do that.")}}
	e := newTestEngine(t, opener)
	rec := &recorder{}

	e.RunTurn(context.Background(), userTurn("teleport me"), rec.emit)

	if failed := rec.byType(UpdateFailed); len(failed) != 0 {
		t.Fatalf("failed = %+v, unknown tool must not fail the turn", failed)
	}
	requests := opener.recorded()
	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(requests))
	}
	if !strings.Contains(requests[1].ToolOutputs[0].Output, "unknown tool") {
		t.Errorf("output = %q", requests[1].ToolOutputs[0].Output)
	}
}

func TestRunTurnUnsealedToolCallFailsTurn(t *testing.T) {
	body := sseRecord("response.created", `{"type":"response.created","response":{"id":"resp_1"}}`) +
		sseRecord("response.output_item.added",
			`{"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_a","name":"log_set"}}`) +
		sseRecord("response.function_call_arguments.delta",
			`{"type":"response.function_call_arguments.delta","call_id":"call_a","delta":"{\"reps\":"}`) +
		sseRecord("response.completed", `{"type":"response.completed","response":{"id":"resp_1"}}`) +
		"data: [DONE]\n\n"
	opener := &fakeOpener{scripts: []any{body}}
	e := newTestEngine(t, opener)
	rec := &recorder{}

	e.RunTurn(context.Background(), userTurn("log it"), rec.emit)

	failed := rec.byType(UpdateFailed)
	if len(failed) != 1 || failed[0].Err.ErrorCode != errinfo.CodeProtocolViolation {
		t.Fatalf("failed = %+v, want protocol violation", failed)
	}
	if len(opener.recorded()) != 1 {
		t.Error("unsealed call must not trigger a resubmission")
	}
	if calls := rec.byType(UpdateToolCall); len(calls) != 0 {
		t.Errorf("tool call updates = %+v, want none for unsealed call", calls)
	}
}

func TestRunTurnDisconnectFailsTurn(t *testing.T) {
	body := sseRecord("response.created", `{"type":"response.created","response":{"id":"resp_1"}}`) +
		sseRecord("response.output_text.delta", `{"type":"response.output_text.delta","delta":"half a sent"}`)
	opener := &fakeOpener{scripts: []any{body}}
	e := newTestEngine(t, opener)
	rec := &recorder{}

	e.RunTurn(context.Background(), userTurn("hello"), rec.emit)

	failed := rec.byType(UpdateFailed)
	if len(failed) != 1 || failed[0].Err.ErrorCode != errinfo.CodeTransportDisconnected {
		t.Fatalf("failed = %+v, want transport disconnect", failed)
	}
	if got := rec.text(); got != "half a sent" {
		t.Errorf("text before disconnect = %q", got)
	}
}

// blockingBody never produces data until closed.
type blockingBody struct {
	once sync.Once
	ch   chan struct{}
}

func newBlockingBody() *blockingBody {
	return &blockingBody{ch: make(chan struct{})}
}

func (b *blockingBody) Read([]byte) (int, error) {
	<-b.ch
	return 0, io.EOF
}

func (b *blockingBody) Close() error {
	b.once.Do(func() { close(b.ch) })
	return nil
}

func TestRunTurnStallWatchdog(t *testing.T) {
	opener := &fakeOpener{scripts: []any{io.ReadCloser(newBlockingBody())}}
	e := newTestEngine(t, opener)
	e.stallTimeout = 50 * time.Millisecond
	rec := &recorder{}

	start := time.Now()
	e.RunTurn(context.Background(), userTurn("hello"), rec.emit)

	failed := rec.byType(UpdateFailed)
	if len(failed) != 1 || failed[0].Err.ErrorCode != errinfo.CodeTransportTimeout {
		t.Fatalf("failed = %+v, want transport timeout", failed)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("watchdog took %s", elapsed)
	}
}

func TestRunTurnSupersession(t *testing.T) {
	blocked := newBlockingBody()
	opener := &fakeOpener{scripts: []any{io.ReadCloser(blocked), textTurnBody("resp_2", "New turn.")}}
	e := newTestEngine(t, opener)
	e.stallTimeout = 5 * time.Second

	firstRec := &recorder{}
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		e.RunTurn(context.Background(), userTurn("first message"), firstRec.emit)
	}()

	// Wait until the first run has its stream open.
	deadline := time.Now().Add(2 * time.Second)
	for len(opener.recorded()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first run never opened a stream")
		}
		time.Sleep(5 * time.Millisecond)
	}

	secondRec := &recorder{}
	e.RunTurn(context.Background(), userTurn("actually, never mind"), secondRec.emit)

	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded run did not finish")
	}

	failed := firstRec.byType(UpdateFailed)
	if len(failed) != 1 || failed[0].Err.ErrorCode != errinfo.CodeTurnSuperseded {
		t.Fatalf("first run failure = %+v, want superseded", failed)
	}
	if completed := secondRec.byType(UpdateCompleted); len(completed) != 1 {
		t.Fatalf("second run = %+v, want completed", completed)
	}
}

func TestRunTurnRateLimitRetry(t *testing.T) {
	opener := &fakeOpener{scripts: []any{
		error(&llm.RateLimitError{RetryAfter: 42 * time.Second}),
		textTurnBody("resp_1", "ok"),
	}}
	e := newTestEngine(t, opener)
	var waits []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	rec := &recorder{}

	e.RunTurn(context.Background(), userTurn("hello"), rec.emit)

	if failed := rec.byType(UpdateFailed); len(failed) != 0 {
		t.Fatalf("failed = %+v", failed)
	}
	if len(opener.recorded()) != 2 {
		t.Fatalf("open attempts = %d, want 2", len(opener.recorded()))
	}
	// Provider hint is longer than the schedule's first step, so it wins.
	if len(waits) != 1 || waits[0] != 42*time.Second {
		t.Errorf("waits = %v, want the provider hint", waits)
	}
	if notices := rec.byType(UpdateNotice); len(notices) != 1 {
		t.Errorf("notices = %+v, want one rate-limit notice", notices)
	}
}

func TestRunTurnProviderAuthFailure(t *testing.T) {
	opener := &fakeOpener{scripts: []any{error(llm.ErrUnauthorized)}}
	e := newTestEngine(t, opener)
	rec := &recorder{}

	e.RunTurn(context.Background(), userTurn("hello"), rec.emit)

	failed := rec.byType(UpdateFailed)
	if len(failed) != 1 || failed[0].Err.ErrorCode != errinfo.CodeProviderAuthFailed {
		t.Fatalf("failed = %+v, want provider auth failure", failed)
	}
}

func TestRunTurnToolOutputContinuationInput(t *testing.T) {
	opener := &fakeOpener{scripts: []any{textTurnBody("resp_2", "Sent.")}}
	e := newTestEngine(t, opener)
	rec := &recorder{}

	e.RunTurn(context.Background(), TurnInput{
		UserID:             "u1",
		PreviousResponseID: "resp_1",
		ToolOutputs:        []llm.ToolOutput{{CallID: "call_a", Output: "Draft confirmed."}},
	}, rec.emit)

	if failed := rec.byType(UpdateFailed); len(failed) != 0 {
		t.Fatalf("failed = %+v", failed)
	}
	requests := opener.recorded()
	if len(requests) != 1 || requests[0].PreviousResponseID != "resp_1" || len(requests[0].ToolOutputs) != 1 {
		t.Fatalf("requests = %+v", requests)
	}
}

func TestRunTurnRejectsAmbiguousInput(t *testing.T) {
	opener := &fakeOpener{}
	e := newTestEngine(t, opener)
	rec := &recorder{}

	e.RunTurn(context.Background(), TurnInput{
		UserID:             "u1",
		Messages:           []llm.Message{{Role: "user", Content: "hi"}},
		PreviousResponseID: "resp_1",
		ToolOutputs:        []llm.ToolOutput{{CallID: "c", Output: "o"}},
	}, rec.emit)

	failed := rec.byType(UpdateFailed)
	if len(failed) != 1 || failed[0].Err.ErrorCode != errinfo.CodeValidationFailed {
		t.Fatalf("failed = %+v, want validation failure", failed)
	}
	if len(opener.recorded()) != 0 {
		t.Error("invalid input must not reach the provider")
	}
}
