package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"repcoach/server/internal/egress"
	"repcoach/server/internal/llm"
)

const defaultBaseURL = "https://api.openai.com"

const maxErrorBodyBytes = 2048

// Client speaks the Responses API, streaming only. It returns the raw SSE
// body untouched; decoding belongs to the stream package.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient() *Client {
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{"api.openai.com"})
	return &Client{
		baseURL: defaultBaseURL,
		client: &http.Client{
			// No overall timeout: turns stream for as long as the model
			// generates. The caller's context bounds the request.
			Transport: transport,
		},
	}
}

func (c *Client) responsesEndpoint() string {
	return strings.TrimRight(c.baseURL, "/") + "/v1/responses"
}

// ValidateKey performs a cheap authenticated request to check the API key.
func (c *Client) ValidateKey(ctx context.Context, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return llm.ErrEgressBlocked
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return llm.ErrUnauthorized
	}
	if resp.StatusCode >= 500 {
		return llm.ErrUnavailable
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("validation failed: %s", resp.Status)
	}
	return nil
}

// OpenTurnStream submits one turn request and returns the live SSE body.
// The caller owns the body and must close it.
func (c *Client) OpenTurnStream(ctx context.Context, apiKey, model string, turn llm.TurnRequest) (io.ReadCloser, error) {
	if !turn.Valid() {
		return nil, errors.New("turn request must carry exactly one input shape")
	}
	payload := buildTurnPayload(model, turn)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.responsesEndpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return nil, llm.ErrEgressBlocked
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, c.statusError(resp, payload)
	}
	return resp.Body, nil
}

func (c *Client) statusError(resp *http.Response, payload map[string]any) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return llm.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return &llm.RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return llm.ErrUnavailable
	}
	return fmt.Errorf(
		"openai error: %s endpoint=%s diag={%s} - %s",
		resp.Status,
		c.responsesEndpoint(),
		summarizeTurnPayload(payload),
		readErrorBody(resp),
	)
}

func retryAfter(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func buildTurnPayload(model string, turn llm.TurnRequest) map[string]any {
	payload := map[string]any{
		"model":  model,
		"input":  buildTurnInput(turn),
		"stream": true,
	}
	if turn.PreviousResponseID != "" {
		payload["previous_response_id"] = turn.PreviousResponseID
	}
	if strings.TrimSpace(turn.Instructions) != "" {
		payload["instructions"] = turn.Instructions
	}
	if len(turn.Tools) > 0 {
		payload["tools"] = buildToolPayload(turn.Tools)
		payload["tool_choice"] = "auto"
		payload["parallel_tool_calls"] = true
	}
	if strings.HasPrefix(model, "gpt-5") {
		payload["reasoning"] = map[string]any{"effort": "medium"}
	} else {
		payload["temperature"] = 0.0
	}
	return payload
}

func buildTurnInput(turn llm.TurnRequest) []map[string]any {
	if len(turn.ToolOutputs) > 0 {
		input := make([]map[string]any, 0, len(turn.ToolOutputs))
		for _, out := range turn.ToolOutputs {
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": out.CallID,
				"output":  out.Output,
			})
		}
		return input
	}
	input := make([]map[string]any, 0, len(turn.Messages))
	for _, msg := range turn.Messages {
		if msg.Content == "" {
			continue
		}
		input = append(input, map[string]any{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}
	return input
}

func buildToolPayload(tools []llm.Tool) []map[string]any {
	payload := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		entry := map[string]any{
			"type": tool.Type,
		}
		if tool.Type == "function" {
			if tool.Function.Name != "" {
				entry["name"] = tool.Function.Name
			}
			if tool.Function.Description != "" {
				entry["description"] = tool.Function.Description
			}
			if len(tool.Function.Parameters) > 0 {
				parameters := json.RawMessage(tool.Function.Parameters)
				if strict, err := strictifyFunctionParameters(parameters); err == nil {
					parameters = strict
				}
				entry["parameters"] = parameters
			}
			entry["strict"] = true
		}
		payload = append(payload, entry)
	}
	return payload
}

// strictifyFunctionParameters rewrites a JSON schema for strict mode: every
// object node gets additionalProperties=false and a required list covering
// all of its properties.
func strictifyFunctionParameters(parameters json.RawMessage) (json.RawMessage, error) {
	if len(parameters) == 0 {
		return parameters, nil
	}
	var schema any
	if err := json.Unmarshal(parameters, &schema); err != nil {
		return nil, err
	}
	return json.Marshal(strictifySchemaNode(schema))
}

func strictifySchemaNode(node any) any {
	switch value := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, child := range value {
			out[key] = strictifySchemaNode(child)
		}
		if typeName, _ := out["type"].(string); typeName == "object" {
			out["additionalProperties"] = false
			if properties, ok := out["properties"].(map[string]any); ok {
				required := make([]string, 0, len(properties))
				for name := range properties {
					required = append(required, name)
				}
				sort.Strings(required)
				out["required"] = required
			}
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = strictifySchemaNode(child)
		}
		return out
	default:
		return node
	}
}

func summarizeTurnPayload(payload map[string]any) string {
	inputItems := 0
	if items, ok := payload["input"].([]map[string]any); ok {
		inputItems = len(items)
	}
	instructions, _ := payload["instructions"].(string)
	_, hasTools := payload["tools"]
	previous, _ := payload["previous_response_id"].(string)
	return fmt.Sprintf(
		"input_items=%d has_instructions=%t has_tools=%t has_previous_response=%t",
		inputItems,
		strings.TrimSpace(instructions) != "",
		hasTools,
		previous != "",
	)
}

func readErrorBody(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil || len(body) == 0 {
		return "no error body"
	}
	return strings.TrimSpace(string(body))
}
