package remote

import (
	"context"
	"encoding/json"
	"sync"
)

// Fake is an in-memory Client for tests and local development.
type Fake struct {
	mu       sync.Mutex
	docs     map[string]json.RawMessage
	putErr   error
	pathErrs map[string]error
	putCount int
}

func NewFake() *Fake {
	return &Fake{
		docs:     make(map[string]json.RawMessage),
		pathErrs: make(map[string]error),
	}
}

// Seed installs a document without counting it as a put.
func (f *Fake) Seed(path string, doc json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := make(json.RawMessage, len(doc))
	copy(stored, doc)
	f.docs[path] = stored
}

// FailPuts makes every PutDocument return err until called with nil.
func (f *Fake) FailPuts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErr = err
}

// FailPutsFor fails only puts to one path; other documents keep landing.
func (f *Fake) FailPutsFor(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.pathErrs, path)
		return
	}
	f.pathErrs[path] = err
}

func (f *Fake) GetDocument(_ context.Context, path string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(json.RawMessage, len(doc))
	copy(out, doc)
	return out, nil
}

func (f *Fake) PutDocument(_ context.Context, path string, doc json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	if err, ok := f.pathErrs[path]; ok {
		return err
	}
	stored := make(json.RawMessage, len(doc))
	copy(stored, doc)
	f.docs[path] = stored
	f.putCount++
	return nil
}

func (f *Fake) PutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCount
}

func (f *Fake) Document(path string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[path]
	return doc, ok
}
