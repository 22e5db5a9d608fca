package audit

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/medledger/internal/middleware"
)

func TestLog_FillsActorAndRequestIDFromContext(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := middleware.WithRequestID(context.Background(), "req-42")
	ctx = middleware.SetUserID(ctx, "patient-9")

	log, err := Log(ctx, repo, LogEntry{TargetID: "grant-1", Action: ActionAccessGranted, EntityType: EntityGrant})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if log.ActorID != "patient-9" {
		t.Errorf("ActorID = %q, want patient-9", log.ActorID)
	}
	if log.RequestID != "req-42" {
		t.Errorf("RequestID = %q, want req-42", log.RequestID)
	}
}

func TestLog_NilRepository(t *testing.T) {
	_, err := Log(context.Background(), nil, LogEntry{})
	if !errors.Is(err, ErrNilRepository) {
		t.Errorf("Log() error = %v, want %v", err, ErrNilRepository)
	}
}

func TestWithRequest_IPExtraction(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "remote addr", remoteAddr: "198.51.100.7:5123", want: "198.51.100.7"},
		{name: "x-forwarded-for first hop", remoteAddr: "10.0.0.1:80", headers: map[string]string{"X-Forwarded-For": " 203.0.113.9 , 10.0.0.1"}, want: "203.0.113.9"},
		{name: "x-forwarded-for with port", remoteAddr: "10.0.0.1:80", headers: map[string]string{"X-Forwarded-For": "203.0.113.9:4431"}, want: "203.0.113.9"},
		{name: "empty x-forwarded-for falls through", remoteAddr: "10.0.0.1:80", headers: map[string]string{"X-Forwarded-For": " ", "X-Real-IP": "192.0.2.4"}, want: "192.0.2.4"},
		{name: "x-real-ip with port", remoteAddr: "10.0.0.1:80", headers: map[string]string{"X-Real-IP": "192.0.2.4:99"}, want: "192.0.2.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/access/generate", nil)
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set("User-Agent", "phrctl/1.0")
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			entry := WithRequest(req, LogEntry{ActorID: "p1"})
			if entry.IPAddress != tt.want {
				t.Errorf("IPAddress = %q, want %q", entry.IPAddress, tt.want)
			}
			if entry.UserAgent != "phrctl/1.0" {
				t.Errorf("UserAgent = %q", entry.UserAgent)
			}
			if entry.ActorID != "p1" {
				t.Errorf("ActorID overwritten: %q", entry.ActorID)
			}
		})
	}
}
