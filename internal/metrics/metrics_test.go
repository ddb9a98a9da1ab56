package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(Denials.WithLabelValues("comment", "comment-cooldown"))
	Denials.WithLabelValues("comment", "comment-cooldown").Inc()
	after := testutil.ToFloat64(Denials.WithLabelValues("comment", "comment-cooldown"))
	if after-before != 1 {
		t.Errorf("expected denial counter to grow by 1, got %v", after-before)
	}
}

func TestHandler(t *testing.T) {
	Admissions.WithLabelValues("post").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "moltshield_governor_admissions_total") {
		t.Errorf("expected admissions metric in output")
	}
}
