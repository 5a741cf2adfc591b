package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type metricRecord struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

func captureRecords(t *testing.T) *[]metricRecord {
	t.Helper()
	var records []metricRecord
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		records = append(records, metricRecord{method: method, endpoint: endpoint, status: status, duration: duration})
	}
	t.Cleanup(func() { recordHTTPRequest = original })
	return &records
}

func TestResponseWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusInternalServerError)

	if rw.statusCode != http.StatusNotFound {
		t.Errorf("statusCode = %d, want %d", rw.statusCode, http.StatusNotFound)
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	records := captureRecords(t)

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Post("/dispatch", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	tests := []struct {
		method   string
		path     string
		endpoint string
		status   string
	}{
		{method: http.MethodGet, path: "/tasks/abc", endpoint: "/tasks/{id}", status: "404"},
		{method: http.MethodGet, path: "/tasks/def", endpoint: "/tasks/{id}", status: "404"},
		{method: http.MethodPost, path: "/dispatch", endpoint: "/dispatch", status: "200"},
	}

	for _, tt := range tests {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))
	}

	if len(*records) != len(tests) {
		t.Fatalf("recorded %d requests, want %d", len(*records), len(tests))
	}
	for i, tt := range tests {
		got := (*records)[i]
		if got.method != tt.method || got.endpoint != tt.endpoint || got.status != tt.status {
			t.Errorf("record %d = %+v, want %s %s %s", i, got, tt.method, tt.endpoint, tt.status)
		}
	}
}

func TestMetricsOutsideRouter(t *testing.T) {
	records := captureRecords(t)

	h := Metrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if len(*records) != 1 || (*records)[0].endpoint != "unmatched" {
		t.Fatalf("records = %+v", *records)
	}
}
