// Package testutil provides common test utilities and helpers for Attune tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/attuneai/attune/internal/api"
	"github.com/attuneai/attune/internal/cache"
	"github.com/attuneai/attune/internal/genai"
	"github.com/attuneai/attune/internal/integrator"
	"github.com/attuneai/attune/internal/metrics"
	"github.com/attuneai/attune/internal/session"
	"github.com/attuneai/attune/internal/store"
	"github.com/attuneai/attune/internal/workflow"
)

// Fixture bundles the fully wired in-memory service graph used across tests.
type Fixture struct {
	Store      *store.InMemoryStore
	Cache      *cache.TTLCache
	Sessions   *session.Manager
	Engine     *workflow.Engine
	Integrator *integrator.Integrator
	Server     *api.Server
	Processor  *genai.StaticProcessor
}

// NewFixture creates the service graph over in-memory dependencies and a
// static processor. The cache is stopped via t.Cleanup.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	c := cache.NewTTLCache()
	t.Cleanup(c.Stop)

	proc := &genai.StaticProcessor{Response: "OK", Confidence: 0.9}
	timer := metrics.NopTimer{}
	sm := session.NewManager(st, c, timer)
	eng := workflow.NewEngine(st, proc, timer)
	in := integrator.NewIntegrator(sm, eng, proc, st, c, timer)
	srv := api.NewServer(sm, eng, in)

	return &Fixture{
		Store:      st,
		Cache:      c,
		Sessions:   sm,
		Engine:     eng,
		Integrator: in,
		Server:     srv,
		Processor:  proc,
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
