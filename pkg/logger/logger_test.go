package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewWithWriter_Levels(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	l := NewWithWriter("production", &buf)
	l.Debug("hidden")
	l.Info("shown", "k", "v")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["msg"] != "shown" || lines[0]["service"] != serviceName || lines[0]["env"] != "production" {
		t.Fatalf("unexpected line: %v", lines[0])
	}

	buf.Reset()
	NewWithWriter("dev", &buf).Debug("dev debug")
	if len(decodeLines(t, &buf)) != 1 {
		t.Fatalf("dev should log debug")
	}

	t.Setenv("LOG_LEVEL", "error")
	buf.Reset()
	NewWithWriter("dev", &buf).Warn("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("LOG_LEVEL=error should suppress warn")
	}
}

func TestFromFallsBackToDefault(t *testing.T) {
	if From(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger")
	}
	l := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	if From(With(context.Background(), l)) != l {
		t.Fatalf("expected stored logger")
	}
}

func TestMiddleware_RequestIDAndContextLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	r := gin.New()
	r.Use(Middleware(base))
	r.GET("/calls/:id", func(c *gin.Context) {
		From(c.Request.Context()).Info("inside")
		c.Status(http.StatusNoContent)
	})
	r.GET("/fail", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.Status(http.StatusInternalServerError)
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/calls/1", nil)
	req.Header.Set(headerRequestID, "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(headerRequestID) != "rid-1" {
		t.Fatalf("request id not echoed")
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	lines := decodeLines(t, &buf)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines (inside, request, failed request), got %d: %s", len(lines), buf.String())
	}
	if lines[0]["msg"] != "inside" || lines[0]["request_id"] != "rid-1" {
		t.Fatalf("context logger lost request_id: %v", lines[0])
	}
	if lines[1]["path"] != "/calls/:id" || lines[1]["status"] != float64(http.StatusNoContent) {
		t.Fatalf("unexpected summary: %v", lines[1])
	}
	if lines[2]["level"] != "ERROR" || lines[2]["errors"] == nil {
		t.Fatalf("failed request should log at error: %v", lines[2])
	}
}
