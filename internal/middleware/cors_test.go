package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const webOrigin = "https://app.medledger.example"

func corsHandler(cfg CORSConfig) (http.Handler, *bool) {
	reached := new(bool)
	h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*reached = true
		w.WriteHeader(http.StatusOK)
	}))
	return h, reached
}

func TestCORS_Disabled(t *testing.T) {
	h, reached := corsHandler(CORSConfig{AllowedOrigins: []string{"", "*"}})

	req := httptest.NewRequest(http.MethodGet, "/records/patient/p1", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if !*reached {
		t.Fatal("wildcard-only config should leave CORS disabled")
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS headers, got Allow-Origin %q", got)
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	h, reached := corsHandler(CORSConfig{AllowedOrigins: []string{webOrigin + "/"}, AllowCredentials: true})

	req := httptest.NewRequest(http.MethodPost, "/access/validate", nil)
	req.Header.Set("Origin", webOrigin)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if !*reached {
		t.Fatal("allowed origin did not reach the handler")
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != webOrigin {
		t.Errorf("Allow-Origin = %q, want %q", got, webOrigin)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("session cookie needs Allow-Credentials, got %q", got)
	}
	if got := rr.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, RequestIDHeader) {
		t.Errorf("expected %s to be exposed, got %q", RequestIDHeader, got)
	}
	if got := rr.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want Origin", got)
	}
}

func TestCORS_RejectedOrigin(t *testing.T) {
	h, reached := corsHandler(CORSConfig{AllowedOrigins: []string{webOrigin}})

	req := httptest.NewRequest(http.MethodPost, "/access/generate", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if *reached {
		t.Fatal("disallowed origin reached the handler")
	}
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"origin_not_allowed"`) {
		t.Errorf("expected JSON error body, got %s", rr.Body.String())
	}
}

func TestCORS_Preflight(t *testing.T) {
	tests := []struct {
		name        string
		cfg         CORSConfig
		wantMethods string
		wantMaxAge  string
	}{
		{
			name:        "defaults",
			cfg:         CORSConfig{AllowedOrigins: []string{webOrigin}},
			wantMethods: "GET, POST, PATCH, OPTIONS",
			wantMaxAge:  "600",
		},
		{
			name:        "explicit",
			cfg:         CORSConfig{AllowedOrigins: []string{webOrigin}, AllowedMethods: []string{"GET"}, MaxAge: -1},
			wantMethods: "GET",
			wantMaxAge:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, reached := corsHandler(tt.cfg)

			req := httptest.NewRequest(http.MethodOptions, "/records", nil)
			req.Header.Set("Origin", webOrigin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if *reached {
				t.Error("preflight reached the handler")
			}
			if rr.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Methods"); got != tt.wantMethods {
				t.Errorf("Allow-Methods = %q, want %q", got, tt.wantMethods)
			}
			if got := rr.Header().Get("Access-Control-Allow-Headers"); tt.cfg.AllowedHeaders == nil && !strings.Contains(got, IdempotencyKeyHeader) {
				t.Errorf("expected %s in Allow-Headers, got %q", IdempotencyKeyHeader, got)
			}
			if got := rr.Header().Get("Access-Control-Max-Age"); got != tt.wantMaxAge {
				t.Errorf("Max-Age = %q, want %q", got, tt.wantMaxAge)
			}
		})
	}
}

func TestCORS_SameOriginPassesThrough(t *testing.T) {
	h, reached := corsHandler(CORSConfig{AllowedOrigins: []string{webOrigin}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/session", nil))

	if !*reached || rr.Code != http.StatusOK {
		t.Errorf("request without Origin: reached=%v status=%d", *reached, rr.Code)
	}
}
