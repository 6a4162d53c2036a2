package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"repcoach/server/internal/egress"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrUnavailable = errors.New("remote store unavailable")
)

const maxErrorBodyBytes = 2048

// Client is the outbound contract to the authoritative remote store:
// get-by-id and put-whole-document on user-scoped paths. No transactions are
// assumed; best-effort delivery semantics live in the store's outbox.
type Client interface {
	GetDocument(ctx context.Context, path string) (json.RawMessage, error)
	PutDocument(ctx context.Context, path string, doc json.RawMessage) error
}

// HTTPClient talks to the remote store over HTTPS with a host allowlist.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string) (*HTTPClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, errors.New("remote base url missing host")
	}
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{host})
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}, nil
}

func (c *HTTPClient) GetDocument(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentURL(path), nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("remote get failed: %s - %s", resp.Status, readErrorBody(resp))
	}
	return io.ReadAll(resp.Body)
}

func (c *HTTPClient) PutDocument(ctx context.Context, path string, doc json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.documentURL(path), bytes.NewReader(doc))
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("remote put failed: %s - %s", resp.Status, readErrorBody(resp))
	}
	return nil
}

func (c *HTTPClient) documentURL(path string) string {
	return c.baseURL + "/v1/documents/" + strings.TrimLeft(path, "/")
}

func (c *HTTPClient) applyHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return strings.TrimSpace(string(body))
}
