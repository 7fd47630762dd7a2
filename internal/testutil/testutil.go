// Package testutil provides common test utilities and helpers for Dermis tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// TB is the subset of testing.TB used by the assertion helpers.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Recorded is one request seen by the fake upstream.
type Recorded struct {
	Method      string
	Path        string
	Query       string
	ContentType string
	Body        []byte
}

// Reply is a canned upstream response.
type Reply struct {
	Status int
	Body   string
}

// Upstream paths served by FakeUpstream.
const (
	PathConditions = "/api/analyze-skin/efficient-net"
	PathSkinType   = "/api/analyze-skin/cnn"
	PathUsers      = "/register_users_dermis"
	PathLogin      = "/login_users_dermis"
	PathPreprocess = "/preprocesar"
	PathRoutines   = "/routines"
)

// FakeUpstream impersonates every external service on one httptest server.
// Replies are keyed by "METHOD path"; unknown routes answer 404.
type FakeUpstream struct {
	Server *httptest.Server

	mu       sync.Mutex
	replies  map[string][]Reply
	requests []Recorded
}

// NewFakeUpstream starts a server with replies for a successful onboarding.
func NewFakeUpstream() *FakeUpstream {
	f := &FakeUpstream{replies: make(map[string][]Reply)}
	f.Set(http.MethodPost, PathConditions, http.StatusOK, `{"skin_conditions":["acne","rosacea"]}`)
	f.Set(http.MethodPost, PathSkinType, http.StatusOK, `{"skin_type":"oily","confidence":0.873}`)
	f.Set(http.MethodPost, PathUsers, http.StatusOK, `{"user_id":"u1"}`)
	f.Set(http.MethodPatch, PathUsers, http.StatusOK, `{"ok":true}`)
	f.Set(http.MethodGet, PathUsers, http.StatusOK, `{"user_id":"u1","name":"Ana","email":"ana@example.com","age":30,"nick_name":"ana","skyn_type":"oily","skyn_conditions":"[\"acne\"]"}`)
	f.Set(http.MethodPost, PathLogin, http.StatusOK, `{"user_id":"u1"}`)
	f.Set(http.MethodPost, PathPreprocess, http.StatusOK, `{"Proteger":{"name":"Sunscreen","ingredients":"['zinc oxide']"},"Limpiar":{"name":"Gel","ingredients":"['salicylic acid','glycerin']"},"Tratar":{"name":"Serum","ingredients":["niacinamide"]}}`)
	f.Set(http.MethodPost, PathRoutines, http.StatusOK, `{"routine_id":"r1"}`)
	f.Set(http.MethodGet, PathRoutines, http.StatusNotFound, `{"detail":"not found"}`)
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

// URL returns the base URL of the server.
func (f *FakeUpstream) URL() string {
	return f.Server.URL
}

// Close shuts the server down.
func (f *FakeUpstream) Close() {
	f.Server.Close()
}

// Set replaces the reply for method and path.
func (f *FakeUpstream) Set(method, path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method+" "+path] = []Reply{{Status: status, Body: body}}
}

// Queue makes the route answer replies in order; the last one repeats.
func (f *FakeUpstream) Queue(method, path string, replies ...Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method+" "+path] = append([]Reply(nil), replies...)
}

// Requests returns the recorded requests for method and path.
func (f *FakeUpstream) Requests(method, path string) []Recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Recorded
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Count returns how many requests hit method and path.
func (f *FakeUpstream) Count(method, path string) int {
	return len(f.Requests(method, path))
}

func (f *FakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.Path

	f.mu.Lock()
	f.requests = append(f.requests, Recorded{
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	queue, ok := f.replies[key]
	var reply Reply
	if ok && len(queue) > 0 {
		reply = queue[0]
		if len(queue) > 1 {
			f.replies[key] = queue[1:]
		}
	}
	f.mu.Unlock()

	if !ok {
		http.Error(w, fmt.Sprintf("no route for %s", key), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Status)
	_, _ = io.WriteString(w, reply.Body)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}
	status, ok := response["status"].(string)
	if !ok {
		t.Errorf("response missing or invalid 'status' field")
		return response
	}
	if status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
