package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestServerHealthAndMetrics(t *testing.T) {
	srv := NewServer("127.0.0.1:0", zerolog.Nop())

	SessionTransitions.WithLabelValues("start", "ok").Inc()

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "equipwatch_session_transitions_total") {
		t.Fatal("metrics output missing session transitions counter")
	}
}
