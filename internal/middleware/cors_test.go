package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	origins := []string{"chrome-extension://*", "https://leetcode.com", "http://localhost:3000/"}
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name        string
		origin      string
		wantAllowed bool
		wantCreds   bool
	}{
		{name: "extension wildcard", origin: "chrome-extension://abcdefghijklmnop", wantAllowed: true},
		{name: "exact origin", origin: "https://leetcode.com", wantAllowed: true, wantCreds: true},
		{name: "trailing slash config", origin: "http://localhost:3000", wantAllowed: true, wantCreds: true},
		{name: "bare wildcard prefix", origin: "chrome-extension://", wantAllowed: false},
		{name: "foreign origin", origin: "https://evil.example", wantAllowed: false},
		{name: "lookalike", origin: "https://leetcode.com.evil.example", wantAllowed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/preferences", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get("Access-Control-Allow-Origin")
			if tt.wantAllowed && got != tt.origin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.origin)
			}
			if !tt.wantAllowed && got != "" {
				t.Errorf("Allow-Origin = %q, want none", got)
			}
			creds := rec.Header().Get("Access-Control-Allow-Credentials") == "true"
			if creds != tt.wantCreds {
				t.Errorf("Allow-Credentials = %v, want %v", creds, tt.wantCreds)
			}
			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want pass-through 204", rec.Code)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	called := false
	h := CORS([]string{"*"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodOptions, "/api/preferences", nil)
	req.Header.Set("Origin", "https://anything.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if called {
		t.Error("preflight reached the handler")
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard origin must not allow credentials")
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	if !OriginAllowed([]string{"chrome-extension://*"}, "chrome-extension://xyz") {
		t.Error("extension origin rejected")
	}
	if OriginAllowed([]string{"https://leetcode.com"}, "https://example.com") {
		t.Error("foreign origin accepted")
	}
}
