package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()
	if id1 == "" || id1 == id2 {
		t.Errorf("GenerateRequestID() = %q, %q; want distinct non-empty IDs", id1, id2)
	}
	if !requestIDPattern.MatchString(id1) {
		t.Errorf("generated ID %q does not pass validation", id1)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID(empty) = %q", got)
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerWithRequestID(WithRequestID(context.Background(), "req-abc"), base).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-abc") {
		t.Errorf("log line missing request_id: %q", buf.String())
	}

	buf.Reset()
	LoggerWithRequestID(context.Background(), base).Info("hello")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("log line should not carry request_id: %q", buf.String())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		keep     bool
	}{
		{name: "generates when absent", upstream: "", keep: false},
		{name: "keeps valid upstream", upstream: "upstream-request-id_xyz", keep: true},
		{name: "replaces CRLF injection", upstream: "id\r\nX-Injected: evil", keep: false},
		{name: "replaces spaces", upstream: "id with spaces", keep: false},
		{name: "replaces overlong", upstream: strings.Repeat("a", 129), keep: false},
		{name: "replaces markup", upstream: "<script>alert(1)</script>", keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("request ID missing from context")
			}
			if rec.Header().Get(RequestIDHeader) != seen {
				t.Errorf("response header %q != context ID %q", rec.Header().Get(RequestIDHeader), seen)
			}
			if tt.keep && seen != tt.upstream {
				t.Errorf("ID = %q, want upstream %q", seen, tt.upstream)
			}
			if !tt.keep && seen == tt.upstream {
				t.Errorf("invalid upstream ID %q was kept", tt.upstream)
			}
		})
	}
}
