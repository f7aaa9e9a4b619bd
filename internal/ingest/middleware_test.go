package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := WithMiddleware(ok, AuthConfig{Enabled: true, APIKeys: []string{"k1", "k2"}})

	tests := []struct {
		name       string
		path       string
		key        string
		wantStatus int
	}{
		{"missing key", "/v1/detections", "", http.StatusUnauthorized},
		{"wrong key", "/v1/detections", "nope", http.StatusUnauthorized},
		{"first key", "/v1/detections", "k1", http.StatusNoContent},
		{"second key", "/v1/detections", "k2", http.StatusNoContent},
		{"health exempt", "/health", "", http.StatusNoContent},
		{"metrics exempt", "/metrics", "", http.StatusNoContent},
		{"stream exempt", "/v1/stream", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestAuthMiddlewareCustomHeader(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := WithMiddleware(ok, AuthConfig{Enabled: true, APIKeyHeader: "X-Detector-Key", APIKeys: []string{"k1"}})

	req := httptest.NewRequest(http.MethodPost, "/v1/detections", nil)
	req.Header.Set("X-Detector-Key", "k1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthDisabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	rec := httptest.NewRecorder()
	WithMiddleware(ok, AuthConfig{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/detections", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	boom := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := httptest.NewRecorder()
	WithMiddleware(boom, AuthConfig{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/detections", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
