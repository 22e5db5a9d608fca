package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type logLine struct {
	Level     string `json:"level"`
	Msg       string `json:"msg"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Route     string `json:"route"`
	Status    int    `json:"status"`
	Size      int    `json:"size"`
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	ErrorCode string `json:"error_code"`
}

func captureLog(t *testing.T, h http.Handler, req *http.Request) logLine {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	RequestID(Logging(logger)(h)).ServeHTTP(httptest.NewRecorder(), req)

	var line logLine
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("failed to parse log line %q: %v", buf.String(), err)
	}
	return line
}

func TestLogging_SuccessfulRequest(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetUserID(r.Context(), "pat-1")
		_, _ = w.Write([]byte(`{"records":[]}`))
	})
	req := httptest.NewRequest(http.MethodGet, "/records/patient/pat-1", nil)
	req.Header.Set(RequestIDHeader, "req-7")

	line := captureLog(t, h, req)

	if line.Level != "INFO" || line.Msg != "request completed" {
		t.Errorf("level/msg = %s/%q", line.Level, line.Msg)
	}
	if line.Method != http.MethodGet || line.Path != "/records/patient/pat-1" {
		t.Errorf("method/path = %s %s", line.Method, line.Path)
	}
	if line.Route != "/records/patient/{id}" {
		t.Errorf("route = %q", line.Route)
	}
	if line.Status != http.StatusOK || line.Size != len(`{"records":[]}`) {
		t.Errorf("status/size = %d/%d", line.Status, line.Size)
	}
	if line.RequestID != "req-7" {
		t.Errorf("request_id = %q", line.RequestID)
	}
	if line.UserID != "pat-1" {
		t.Errorf("user_id set deep in the chain was lost: %q", line.UserID)
	}
	if line.ErrorCode != "" {
		t.Errorf("error_code on a 200: %q", line.ErrorCode)
	}
}

func TestLogging_ErrorLevels(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		wantLevel string
	}{
		{name: "grant not found", status: http.StatusUnauthorized, code: "grant_not_found", wantLevel: "WARN"},
		{name: "forbidden", status: http.StatusForbidden, code: "forbidden", wantLevel: "WARN"},
		{name: "ledger down", status: http.StatusServiceUnavailable, code: "ledger_unavailable", wantLevel: "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, r, tt.status, tt.code, "nope")
			})
			line := captureLog(t, h, httptest.NewRequest(http.MethodPost, "/access/validate", nil))

			if line.Level != tt.wantLevel {
				t.Errorf("level = %s, want %s", line.Level, tt.wantLevel)
			}
			if line.Status != tt.status || line.ErrorCode != tt.code {
				t.Errorf("status/error_code = %d/%q", line.Status, line.ErrorCode)
			}
		})
	}
}

func TestLogging_FirstStatusWins(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError)
	})
	line := captureLog(t, h, httptest.NewRequest(http.MethodPost, "/records", nil))
	if line.Status != http.StatusCreated {
		t.Errorf("status = %d, want 201", line.Status)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "production").Debug("hidden")
	newLogger(&buf, "production").Info("grant issued", "grant_id", "g1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("production logger emitted debug output")
	}
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"grant_id":"g1"`) {
		t.Errorf("production logger should write JSON, got %q", out)
	}

	buf.Reset()
	newLogger(&buf, "development").Debug("nonce issued", "wallet", "0xabc")
	if !strings.Contains(buf.String(), "level=DEBUG") || !strings.Contains(buf.String(), "wallet=0xabc") {
		t.Errorf("development logger should write debug text, got %q", buf.String())
	}
}
