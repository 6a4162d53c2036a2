package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"repcoach/server/internal/errinfo"
	"repcoach/server/internal/llm"
	"repcoach/server/internal/logging"
	"repcoach/server/internal/store"
	"repcoach/server/internal/stream"
	"repcoach/server/internal/tools"
)

const (
	maxToolHops = 8

	rateLimitRetryMaxAttempts = 5
	rateLimitRetryBaseDelay   = 10 * time.Second
	rateLimitRetryMaxDelay    = 4 * time.Minute

	defaultStallTimeout = 45 * time.Second
)

// StreamOpener opens one streaming turn against the model provider.
type StreamOpener interface {
	OpenTurnStream(ctx context.Context, apiKey, model string, turn llm.TurnRequest) (io.ReadCloser, error)
}

type runHandle struct {
	runID  string
	cancel context.CancelFunc
}

// Engine drives conversation turns: it opens the model stream, collects
// sealed tool calls, dispatches them as a batch, and resubmits the outputs
// under the turn's previous response id until the model finishes with text.
type Engine struct {
	client       StreamOpener
	registry     *tools.Registry
	store        *store.Store
	drafts       *tools.DraftRegistry
	apiKey       func() (string, error)
	model        string
	instructions string
	stallTimeout time.Duration
	logger       *slog.Logger
	sleep        func(context.Context, time.Duration) error

	runMu sync.Mutex
	runs  map[string]runHandle
}

type Config struct {
	Client       StreamOpener
	Registry     *tools.Registry
	Store        *store.Store
	Drafts       *tools.DraftRegistry
	APIKey       func() (string, error)
	Model        string
	Instructions string
	StallTimeout time.Duration
	Logger       *slog.Logger
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	stallTimeout := cfg.StallTimeout
	if stallTimeout <= 0 {
		stallTimeout = defaultStallTimeout
	}
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = coachInstructions
	}
	return &Engine{
		client:       cfg.Client,
		registry:     cfg.Registry,
		store:        cfg.Store,
		drafts:       cfg.Drafts,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		instructions: instructions,
		stallTimeout: stallTimeout,
		logger:       logger,
		sleep:        sleepCtx,
		runs:         make(map[string]runHandle),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TurnInput is one user-initiated turn. Exactly one of Messages or
// ToolOutputs is set; ToolOutputs continues a turn that stopped for
// confirmation-mode dispatch and requires PreviousResponseID.
type TurnInput struct {
	UserID             string
	Messages           []llm.Message
	ToolOutputs        []llm.ToolOutput
	PreviousResponseID string
}

// RunTurn executes one full turn, emitting updates as they happen. A new
// turn for the same user cancels the previous one; the superseded run's
// pending tool calls are discarded unexecuted.
func (e *Engine) RunTurn(ctx context.Context, input TurnInput, emit func(Update)) {
	runCtx, runID := e.beginRun(ctx, input.UserID)
	defer e.endRun(input.UserID, runID)

	e.logger.Info("engine.turn_started", "run_id", runID, "user_id", input.UserID)
	if failure := e.runTurn(runCtx, input, emit); failure != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			failure = errinfo.TurnSuperseded(errinfo.PhaseTurn)
		}
		e.logger.Warn("engine.turn_failed",
			"run_id", runID,
			"error_code", failure.ErrorCode,
			"detail", failure.Detail,
		)
		emit(Update{Type: UpdateFailed, State: StateFailed, Err: failure})
		return
	}
	e.logger.Info("engine.turn_completed", "run_id", runID)
}

// beginRun installs a fresh run handle for the user, canceling any run
// already in flight.
func (e *Engine) beginRun(parent context.Context, userID string) (context.Context, string) {
	runCtx, cancel := context.WithCancel(parent)
	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())

	e.runMu.Lock()
	prev, had := e.runs[userID]
	e.runs[userID] = runHandle{runID: runID, cancel: cancel}
	e.runMu.Unlock()

	if had && prev.cancel != nil {
		e.logger.Info("engine.run_superseded", "user_id", userID, "old_run_id", prev.runID, "new_run_id", runID)
		prev.cancel()
	}
	return runCtx, runID
}

func (e *Engine) endRun(userID, runID string) {
	var cancel context.CancelFunc
	e.runMu.Lock()
	handle, ok := e.runs[userID]
	if ok && handle.runID == runID {
		cancel = handle.cancel
		delete(e.runs, userID)
	}
	e.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) runTurn(ctx context.Context, input TurnInput, emit func(Update)) *errinfo.ErrorInfo {
	apiKey, err := e.apiKey()
	if err != nil || apiKey == "" {
		return errinfo.ProviderAuthFailed(errinfo.PhaseTurn)
	}

	turn := llm.TurnRequest{
		Messages:           input.Messages,
		ToolOutputs:        input.ToolOutputs,
		PreviousResponseID: input.PreviousResponseID,
		Instructions:       e.instructions,
		Tools:              e.registry.Definitions(),
	}
	if !turn.Valid() {
		return errinfo.ValidationFailed(errinfo.PhaseTurn, "exactly one of messages or tool outputs must be set")
	}

	tc := tools.NewContext(input.UserID, e.store, e.drafts, e.logger)

	for hop := 0; hop < maxToolHops; hop++ {
		emit(Update{Type: UpdateState, State: StateStreaming})
		body, openErr := e.openStreamWithRateLimitRetry(ctx, apiKey, turn, emit)
		if openErr != nil {
			return mapProviderError(openErr)
		}

		responseID, calls, failure := e.consumeStream(ctx, body, emit)
		body.Close()
		if failure != nil {
			return failure
		}

		if len(calls) == 0 {
			emit(Update{Type: UpdateCompleted, State: StateCompleted, ResponseID: responseID})
			return nil
		}

		emit(Update{Type: UpdateState, State: StateCollectingToolCalls})
		emit(Update{Type: UpdateState, State: StateDispatching})
		outputs, dispatchErr := e.registry.DispatchBatch(ctx, calls, tc)
		if dispatchErr != nil {
			if errors.Is(dispatchErr, store.ErrDurableLogUnavailable) {
				return errinfo.StoreUnavailable(errinfo.PhaseDispatch, dispatchErr.Error())
			}
			return errinfo.ValidationFailed(errinfo.PhaseDispatch, dispatchErr.Error())
		}
		for _, artifact := range tc.DrainArtifacts() {
			emit(Update{Type: UpdateArtifact, Artifact: &artifact})
		}

		emit(Update{Type: UpdateState, State: StateResubmitting})
		turn = llm.TurnRequest{
			PreviousResponseID: responseID,
			ToolOutputs:        outputs,
			Instructions:       e.instructions,
			Tools:              e.registry.Definitions(),
		}
	}
	return errinfo.ProtocolViolation(errinfo.PhaseTurn,
		fmt.Sprintf("turn exceeded %d tool dispatch rounds", maxToolHops))
}

// consumeStream drains one model response. It returns the response id and
// every sealed tool call, or the failure that ended the turn. A silent
// stream trips the stall watchdog.
func (e *Engine) consumeStream(ctx context.Context, body io.Reader, emit func(Update)) (string, []llm.ToolCall, *errinfo.ErrorInfo) {
	parser := stream.NewParser(body, e.logger)

	type parsed struct {
		event stream.Event
		err   error
	}
	events := make(chan parsed)
	go func() {
		defer close(events)
		for {
			event, err := parser.Next()
			select {
			case events <- parsed{event: event, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var responseID string
	var calls []llm.ToolCall
	watchdog := time.NewTimer(e.stallTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", nil, errinfo.TurnSuperseded(errinfo.PhaseStream)
		case <-watchdog.C:
			return "", nil, errinfo.TransportTimeout(errinfo.PhaseStream,
				fmt.Sprintf("no stream event within %s", e.stallTimeout))
		case p, ok := <-events:
			if !ok {
				return "", nil, errinfo.TransportDisconnected(errinfo.PhaseStream, "stream ended unexpectedly")
			}
			if p.err != nil {
				if errors.Is(p.err, io.EOF) {
					return responseID, calls, nil
				}
				return "", nil, errinfo.TransportDisconnected(errinfo.PhaseStream, p.err.Error())
			}
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(e.stallTimeout)

			switch p.event.Type {
			case stream.EventTurnStarted:
				responseID = p.event.ResponseID
			case stream.EventTextDelta:
				emit(Update{Type: UpdateTextDelta, Delta: p.event.Delta})
			case stream.EventToolCallCompleted:
				if p.event.Call != nil {
					calls = append(calls, *p.event.Call)
					emit(Update{Type: UpdateToolCall, Call: p.event.Call})
				}
			case stream.EventTurnCompleted:
				if p.event.ResponseID != "" {
					responseID = p.event.ResponseID
				}
				if len(p.event.DroppedCalls) > 0 {
					return "", nil, errinfo.ProtocolViolation(errinfo.PhaseStream,
						fmt.Sprintf("%d tool call(s) ended unsealed", len(p.event.DroppedCalls)))
				}
			case stream.EventError:
				if errors.Is(p.event.Err, stream.ErrDisconnected) {
					return "", nil, errinfo.TransportDisconnected(errinfo.PhaseStream, p.event.Err.Error())
				}
				return "", nil, errinfo.ProtocolViolation(errinfo.PhaseStream, p.event.Err.Error())
			}
		}
	}
}

func (e *Engine) openStreamWithRateLimitRetry(ctx context.Context, apiKey string, turn llm.TurnRequest, emit func(Update)) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= rateLimitRetryMaxAttempts; attempt++ {
		body, err := e.client.OpenTurnStream(ctx, apiKey, e.model, turn)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !errors.Is(err, llm.ErrRateLimited) || attempt == rateLimitRetryMaxAttempts {
			return nil, err
		}
		retryAttempt := attempt + 1
		wait := rateLimitBackoffDuration(retryAttempt)
		if hint, ok := llm.SuggestedRetryAfter(err); ok && hint > wait {
			wait = hint
		}
		e.logger.Warn("engine.rate_limited",
			"retry_attempt", retryAttempt,
			"retry_max", rateLimitRetryMaxAttempts,
			"retry_in_ms", wait.Milliseconds(),
		)
		emit(Update{Type: UpdateNotice, Delta: fmt.Sprintf(
			"Rate limit reached. Retrying in %d ms (%d/%d).",
			wait.Milliseconds(), retryAttempt, rateLimitRetryMaxAttempts)})
		if err := e.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func rateLimitBackoffDuration(attempt int) time.Duration {
	wait := rateLimitRetryBaseDelay * time.Duration(1<<uint(attempt-1))
	if wait > rateLimitRetryMaxDelay {
		return rateLimitRetryMaxDelay
	}
	return wait
}

func mapProviderError(err error) *errinfo.ErrorInfo {
	switch {
	case errors.Is(err, llm.ErrUnauthorized):
		return errinfo.ProviderAuthFailed(errinfo.PhaseTurn)
	case errors.Is(err, llm.ErrEgressBlocked):
		return errinfo.EgressBlocked(errinfo.PhaseTurn, err.Error())
	case errors.Is(err, llm.ErrRateLimited), errors.Is(err, llm.ErrUnavailable):
		return errinfo.ProviderUnavailable(errinfo.PhaseTurn, err.Error())
	case errors.Is(err, context.Canceled):
		return errinfo.TurnSuperseded(errinfo.PhaseTurn)
	}
	return errinfo.ProviderUnavailable(errinfo.PhaseTurn, err.Error())
}
