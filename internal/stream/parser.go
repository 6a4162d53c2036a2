package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"repcoach/server/internal/llm"
	"repcoach/server/internal/logging"
)

// ErrDisconnected reports that the transport ended before the model signaled
// turn completion. The orchestrator retries the whole turn; mid-stream resume
// is not supported.
var ErrDisconnected = errors.New("stream disconnected before turn completion")

const (
	defaultRecordType = "message"
	doneSentinel      = "[DONE]"

	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 2 * 1024 * 1024
)

// Parser reconstructs whole text segments and whole tool calls from a
// newline-delimited event feed. An optional "event:" record sets the type of
// exactly the next "data:" record; a bare "data:" record defaults to type
// "message". A Parser is single-turn: once it has emitted turn_completed or
// an error event, Next returns io.EOF forever.
type Parser struct {
	scanner *bufio.Scanner
	logger  *slog.Logger

	recordType string
	pending    []Event
	partial    map[string]*partialCall
	order      []string
	started    bool
	completed  bool
	finished   bool
}

type partialCall struct {
	name   string
	args   strings.Builder
	sealed bool
}

func NewParser(r io.Reader, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = logging.Nop()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)
	return &Parser{
		scanner:    scanner,
		logger:     logger,
		recordType: defaultRecordType,
		partial:    make(map[string]*partialCall),
	}
}

// Next returns the next event in order. It returns io.EOF once the sequence
// is exhausted; transport failures are surfaced as a final error event
// before io.EOF, never as a bare Go error.
func (p *Parser) Next() (Event, error) {
	for {
		if len(p.pending) > 0 {
			ev := p.pending[0]
			p.pending = p.pending[1:]
			return ev, nil
		}
		if p.finished {
			return Event{}, io.EOF
		}
		if !p.scanner.Scan() {
			p.finished = true
			if err := p.scanner.Err(); err != nil {
				p.pending = append(p.pending, Event{Type: EventError, Err: err})
				continue
			}
			if !p.completed {
				p.pending = append(p.pending, Event{Type: EventError, Err: ErrDisconnected})
			}
			continue
		}
		line := strings.TrimSuffix(p.scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if value, ok := strings.CutPrefix(line, "event:"); ok {
			p.recordType = strings.TrimSpace(value)
			if p.recordType == "" {
				p.recordType = defaultRecordType
			}
			continue
		}
		value, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Comment records and unknown fields are inert.
			continue
		}
		data := strings.TrimSpace(value)
		recordType := p.recordType
		// The type annotation applies to exactly one data record.
		p.recordType = defaultRecordType
		if data == doneSentinel {
			p.finished = true
			if !p.completed {
				p.pending = append(p.pending, Event{Type: EventError, Err: ErrDisconnected})
			}
			continue
		}
		p.handleRecord(recordType, data)
	}
}

type dataRecord struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta"`
	CallID     string          `json:"call_id"`
	Arguments  string          `json:"arguments"`
	Item       *itemRecord     `json:"item"`
	Response   *responseRecord `json:"response"`
	Message    string          `json:"message"`
	ResponseID string          `json:"response_id"`
}

type itemRecord struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type responseRecord struct {
	ID string `json:"id"`
}

func (p *Parser) handleRecord(recordType, data string) {
	var record dataRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		p.logger.Warn("stream.malformed_record", "record_type", recordType, "error", err.Error())
		return
	}
	// A bare data record names its own type in the payload.
	if recordType == defaultRecordType && record.Type != "" {
		recordType = record.Type
	}
	switch recordType {
	case "response.created":
		if p.started {
			return
		}
		p.started = true
		id := record.ResponseID
		if record.Response != nil && record.Response.ID != "" {
			id = record.Response.ID
		}
		p.pending = append(p.pending, Event{Type: EventTurnStarted, ResponseID: id})
	case "response.output_text.delta":
		if record.Delta == "" {
			return
		}
		p.pending = append(p.pending, Event{Type: EventTextDelta, Delta: record.Delta})
	case "response.output_item.added":
		if record.Item == nil || record.Item.Type != "function_call" || record.Item.CallID == "" {
			return
		}
		call := p.callFor(record.Item.CallID)
		if record.Item.Name != "" {
			call.name = record.Item.Name
		}
		if record.Item.Arguments != "" {
			call.args.WriteString(record.Item.Arguments)
		}
		p.pending = append(p.pending, Event{
			Type:   EventToolCallStarted,
			CallID: record.Item.CallID,
			Call:   &llm.ToolCall{ID: record.Item.CallID, Name: call.name},
		})
	case "response.function_call_arguments.delta":
		if record.CallID == "" || record.Delta == "" {
			return
		}
		call := p.callFor(record.CallID)
		if call.sealed {
			p.logger.Warn("stream.delta_after_seal", "call_id", record.CallID)
			return
		}
		call.args.WriteString(record.Delta)
		p.pending = append(p.pending, Event{
			Type:   EventToolCallArgDelta,
			CallID: record.CallID,
			Delta:  record.Delta,
		})
	case "response.function_call_arguments.done":
		if record.CallID == "" {
			return
		}
		call, ok := p.partial[record.CallID]
		if !ok {
			p.logger.Warn("stream.seal_without_call", "call_id", record.CallID)
			return
		}
		if call.sealed {
			p.logger.Warn("stream.duplicate_seal", "call_id", record.CallID)
			return
		}
		call.sealed = true
		args := call.args.String()
		// The done record may carry the authoritative full argument text.
		if record.Arguments != "" {
			args = record.Arguments
		}
		p.pending = append(p.pending, Event{
			Type:   EventToolCallCompleted,
			CallID: record.CallID,
			Call:   &llm.ToolCall{ID: record.CallID, Name: call.name, Arguments: args},
		})
	case "response.completed":
		if p.completed {
			return
		}
		p.completed = true
		id := record.ResponseID
		if record.Response != nil && record.Response.ID != "" {
			id = record.Response.ID
		}
		var dropped []string
		for _, callID := range p.order {
			call := p.partial[callID]
			if call == nil || call.sealed {
				continue
			}
			// Never guess-complete an unsealed call.
			dropped = append(dropped, callID)
			p.logger.Warn("stream.unsealed_tool_call_dropped", "call_id", callID, "tool", call.name)
		}
		p.pending = append(p.pending, Event{
			Type:         EventTurnCompleted,
			ResponseID:   id,
			DroppedCalls: dropped,
		})
		p.finished = true
	case "error":
		detail := record.Message
		if detail == "" {
			detail = "provider reported an error"
		}
		p.pending = append(p.pending, Event{Type: EventError, Err: errors.New(detail)})
		p.finished = true
	default:
		// Unknown record types are inert for forward compatibility.
	}
}

func (p *Parser) callFor(callID string) *partialCall {
	call, ok := p.partial[callID]
	if !ok {
		call = &partialCall{}
		p.partial[callID] = call
		p.order = append(p.order, callID)
	}
	return call
}
