// Package testutil provides common test helpers for DialogPipe's HTTP and engine tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/BTreeMap/DialogPipe/internal/config"
	"github.com/BTreeMap/DialogPipe/internal/flow"
	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

// TestingT is the subset of *testing.T used by the assertion helpers.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// EchoBackend is a generative backend that numbers its replies and echoes the user text.
type EchoBackend struct {
	calls atomic.Int32
}

// Generate answers "Reply N to your message about <text>."
func (b *EchoBackend) Generate(_ context.Context, req genai.Request) (genai.Reply, error) {
	n := b.calls.Add(1)
	return genai.Reply{Text: fmt.Sprintf("Reply %d to your message about %s.", n, req.Text), Language: "en"}, nil
}

// Calls returns the number of Generate calls so far.
func (b *EchoBackend) Calls() int {
	return int(b.calls.Load())
}

// NewTestEngine creates an engine over an in-memory store with an EchoBackend
// for casual conversations. opts are applied after the defaults.
func NewTestEngine(opts ...flow.Option) *flow.Engine {
	all := append([]flow.Option{flow.WithBackend(genai.RoleCasual, &EchoBackend{})}, opts...)
	return flow.NewEngine(config.Default(), store.NewInMemoryStore(), nil, all...)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the response envelope and validates its status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}
	if status, ok := response["status"].(string); !ok {
		t.Errorf("response missing or invalid 'status' field")
	} else if status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// CreateHTTPRequest creates a request with body as its JSON payload. A string
// body is sent verbatim and a nil body sends nothing.
func CreateHTTPRequest(t TestingT, method, url string, body interface{}) *http.Request {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		payload = MustMarshalJSON(t, b)
	}
	req := httptest.NewRequest(method, url, bytes.NewReader(payload))
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// ServeJSON sends a request through h and decodes the JSON envelope, if any.
func ServeJSON(t TestingT, h http.Handler, method, url string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, CreateHTTPRequest(t, method, url, body))
	var env map[string]interface{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		MustUnmarshalJSON(t, rec.Body.Bytes(), &env)
	}
	return rec, env
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TestingT, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

var _ TestingT = (*testing.T)(nil)
