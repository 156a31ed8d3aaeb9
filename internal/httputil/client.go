// Package httputil holds the HTTP helpers shared by the query API and the
// webhook notifier.
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RecordedRequest is a request captured by MockClient. The body is read
// eagerly so tests can inspect it after the caller has closed it.
type RecordedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// MockResponse is a canned reply. A non-nil Error fails the request instead.
type MockResponse struct {
	StatusCode int
	Body       string
	Error      error
}

// MockClient is a Doer for tests. It replies with queued responses in order
// and falls back to 200 OK once the queue is empty.
type MockClient struct {
	mu        sync.Mutex
	requests  []RecordedRequest
	responses []MockResponse
}

// NewMockClient returns a MockClient with no queued responses.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Respond queues a response with the given status and body.
func (m *MockClient) Respond(status int, body string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{StatusCode: status, Body: body})
	return m
}

// Fail queues a transport error.
func (m *MockClient) Fail(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{Error: err})
	return m
}

func (m *MockClient) Do(req *http.Request) (*http.Response, error) {
	rec := RecordedRequest{Method: req.Method, URL: req.URL.String(), Header: req.Header.Clone()}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		rec.Body = body
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	resp := MockResponse{StatusCode: http.StatusOK}
	if len(m.responses) > 0 {
		resp = m.responses[0]
		m.responses = m.responses[1:]
	}
	m.mu.Unlock()

	if resp.Error != nil {
		return nil, resp.Error
	}
	return &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Requests returns a copy of every request seen so far.
func (m *MockClient) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}
