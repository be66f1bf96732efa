package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/SalesPipe/internal/store"
)

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if mockT.failed != tt.shouldFail {
				t.Errorf("expected failed=%v, got %v (%s)", tt.shouldFail, mockT.failed, mockT.errorMsg)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name       string
		jsonBody   string
		shouldFail bool
	}{
		{"matching status", `{"status":"ok","result":{"a":1}}`, false},
		{"different status", `{"status":"error","message":"boom"}`, true},
		{"invalid JSON", `{"status":}`, true},
		{"missing status field", `{"result":"x"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			response := AssertJSONResponse(mockT, rr, "ok")
			if mockT.failed != tt.shouldFail {
				t.Errorf("expected failed=%v, got %v (%s)", tt.shouldFail, mockT.failed, mockT.errorMsg)
			}
			if !tt.shouldFail && Result(mockT, response)["a"] != float64(1) {
				t.Errorf("unexpected result %v", response["result"])
			}
		})
	}
}

func TestCreateRequests(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/api/v1/sales/message", map[string]string{"message": "hola"})
	if req.Method != http.MethodPost || req.URL.Path != "/api/v1/sales/message" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}

	req = CreateJSONRequest(t, http.MethodPut, "/x", `{"a":1}`)
	if req.Method != http.MethodPut || req.ContentLength != 7 {
		t.Errorf("unexpected request %s length %d", req.Method, req.ContentLength)
	}
}

func TestServe(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	if rr := Serve(h, CreateHTTPRequest(t, http.MethodGet, "/", nil)); rr.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", rr.Code)
	}
}

func TestSeedLeads(t *testing.T) {
	st := store.NewInMemoryStore()
	seeded := SeedLeads(t, st)

	leads, err := st.ListLeads()
	if err != nil {
		t.Fatalf("ListLeads: %v", err)
	}
	if len(leads) != len(seeded) {
		t.Errorf("expected %d leads, got %d", len(seeded), len(leads))
	}
}

func TestMustUnmarshalJSON(t *testing.T) {
	var target map[string]interface{}
	MustUnmarshalJSON(t, MustMarshalJSON(t, map[string]interface{}{"key": "value", "number": 123}), &target)
	if target["key"] != "value" || target["number"].(float64) != 123 {
		t.Errorf("unexpected round trip %v", target)
	}
}

// mockTestingT records failures instead of stopping the test.
type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Error(args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprint(args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.Errorf(format, args...)
}

func (m *mockTestingT) Fatal(args ...interface{}) {
	m.Error(args...)
}
