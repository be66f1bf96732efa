// Package testutil provides shared HTTP and store helpers for SalesPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
)

// TB is the subset of testing.TB the helpers need, so they can be exercised
// with a recording fake.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse envelope and validates its status
// field. It returns the decoded envelope.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s' (message %v)", expectedStatus, status, response["message"])
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// Result returns the "result" object of a decoded envelope.
func Result(t TB, response map[string]interface{}) map[string]interface{} {
	t.Helper()
	res, ok := response["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("response result is not an object: %v", response["result"])
		return nil
	}
	return res
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// CreateJSONRequest creates a request carrying a raw JSON body.
func CreateJSONRequest(t TB, method, url, jsonBody string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(jsonBody))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// Serve runs req through h and returns the recorder.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// SeedLeads stores sample leads and returns them.
func SeedLeads(t TB, st store.Store) []models.Lead {
	t.Helper()
	now := time.Now().UTC()
	leads := []models.Lead{
		{ID: "lead_ana", CRMType: "hubspot", Name: "Ana", Email: "ana@example.com", Status: models.DefaultLeadStatus, Source: models.DefaultLeadSource, CreatedAt: now, UpdatedAt: now},
		{ID: "lead_luis", CRMType: "salesforce", Name: "Luis", Phone: "+5215550000", Status: "qualified", Source: models.DefaultLeadSource, CreatedAt: now, UpdatedAt: now},
	}
	for _, lead := range leads {
		if err := st.SaveLead(lead); err != nil {
			t.Fatalf("failed to seed lead %s: %v", lead.ID, err)
		}
	}
	return leads
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
