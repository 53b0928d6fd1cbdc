package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantStatus int
		wantOrigin string
		wantCreds  string
	}{
		{"explicit origin", []string{"https://lms.example"}, "https://lms.example", http.MethodPost, http.StatusTeapot, "https://lms.example", "true"},
		{"wildcard without credentials", []string{"*"}, "https://other.example", http.MethodGet, http.StatusTeapot, "https://other.example", ""},
		{"rejected origin", []string{"https://lms.example"}, "https://evil.example", http.MethodGet, http.StatusTeapot, "", ""},
		{"preflight short-circuits", []string{"*"}, "https://lms.example", http.MethodOptions, http.StatusOK, "https://lms.example", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/chat", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, rec.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}
