package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"repcoach/server/internal/llm"
)

type stubRT struct {
	lastReq *http.Request
	status  int
	body    string
}

func (s *stubRT) RoundTrip(req *http.Request) (*http.Response, error) {
	s.lastReq = req
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(strings.NewReader(s.body)),
		Header:     make(http.Header),
	}, nil
}

func newStubbedClient(t *testing.T, rt http.RoundTripper) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient("https://store.example.com", "tok-1234")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.client.Transport = rt
	return client
}

func TestGetDocumentPathAndAuth(t *testing.T) {
	stub := &stubRT{status: 200, body: `{"id":"w1"}`}
	client := newStubbedClient(t, stub)
	doc, err := client.GetDocument(context.Background(), "users/u1/workouts/w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(doc) != `{"id":"w1"}` {
		t.Fatalf("doc: %s", doc)
	}
	if got := stub.lastReq.URL.String(); got != "https://store.example.com/v1/documents/users/u1/workouts/w1" {
		t.Fatalf("url: %s", got)
	}
	if got := stub.lastReq.Header.Get("Authorization"); got != "Bearer tok-1234" {
		t.Fatalf("auth header: %q", got)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	client := newStubbedClient(t, &stubRT{status: 404})
	if _, err := client.GetDocument(context.Background(), "users/u1/workouts/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutDocumentServerErrorIsUnavailable(t *testing.T) {
	client := newStubbedClient(t, &stubRT{status: 503, body: "overloaded"})
	err := client.PutDocument(context.Background(), "users/u1/workouts/w1", []byte(`{}`))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestEgressBlockedForUnknownHost(t *testing.T) {
	client, err := NewHTTPClient("https://store.example.com", "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.baseURL = "https://elsewhere.example.org"
	_, err = client.GetDocument(context.Background(), "users/u1/workouts/w1")
	if !errors.Is(err, llm.ErrEgressBlocked) {
		t.Fatalf("expected egress blocked, got %v", err)
	}
}
