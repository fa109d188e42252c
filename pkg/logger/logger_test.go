package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestParseLevel_DefaultsByEnv(t *testing.T) {
	if got := ParseLevel("local", ""); got != slog.LevelDebug {
		t.Fatalf("expected debug for local, got %v", got)
	}
	if got := ParseLevel("production", ""); got != slog.LevelInfo {
		t.Fatalf("expected info for production, got %v", got)
	}
	if got := ParseLevel("production", "warn"); got != slog.LevelWarn {
		t.Fatalf("expected explicit warn, got %v", got)
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	if From(context.Background()) == nil {
		t.Fatalf("expected default logger")
	}
	l := Discard()
	if From(With(context.Background(), l)) != l {
		t.Fatalf("expected stored logger")
	}
}

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	l := NewWithWriter(&buf, "production", "")

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/x", func(c *gin.Context) {
		if From(c.Request.Context()) == slog.Default() {
			t.Errorf("expected request logger in request context")
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "rid-1")
	r.ServeHTTP(w, req)

	if w.Header().Get(HeaderRequestID) != "rid-1" {
		t.Fatalf("expected request id echoed, got %q", w.Header().Get(HeaderRequestID))
	}

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["request_id"] != "rid-1" || line["path"] != "/x" {
		t.Fatalf("unexpected log line: %v", line)
	}
}
