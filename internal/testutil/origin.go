// Package testutil provides testing utilities for edgecache.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// OriginRequest is what the mock origin saw of one request.
type OriginRequest struct {
	Method string
	URI    string
	Host   string
	Header http.Header
	Body   string
}

// MockOrigin is an origin server that records every request it receives.
type MockOrigin struct {
	server  *httptest.Server
	mu      sync.Mutex
	handler http.HandlerFunc
	seen    []OriginRequest
}

// NewMockOrigin starts a server answering every request with handler.
// A nil handler echoes the request body back as JSON with max-age=60.
func NewMockOrigin(handler http.HandlerFunc) *MockOrigin {
	if handler == nil {
		handler = echo
	}
	m := &MockOrigin{handler: handler}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.seen = append(m.seen, OriginRequest{
			Method: r.Method,
			URI:    r.URL.RequestURI(),
			Host:   r.Host,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		m.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		m.handler(w, r)
	}))
	return m
}

func echo(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=60")
	w.Write([]byte(`{"echo":` + strconv.Quote(string(body)) + `}`))
}

// URL returns the mock server URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// Count returns the number of requests received.
func (m *MockOrigin) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// Requests returns the requests received, oldest first.
func (m *MockOrigin) Requests() []OriginRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OriginRequest(nil), m.seen...)
}
