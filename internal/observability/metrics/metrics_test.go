package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObserveTransition("client", "paid")
	m.ObserveTransition("client", "paid")
	m.ObserveDrop("tool", "sender_mismatch")
	m.ObserveVerification("create_github_issue", false)
	m.ObservePayment("ledger", "payment", "success")
	m.ObservePurge(3)
	m.ObservePurge(0)
	m.ObserveHTTPRequest("/healthz", "GET", 200, 20*time.Millisecond)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("client", "paid")); got != 2 {
		t.Fatalf("transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.verifications.WithLabelValues("create_github_issue", "rejected")); got != 1 {
		t.Fatalf("verifications = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.purged); got != 3 {
		t.Fatalf("purged = %v, want 3", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`agentmarket_job_transitions_total{role="client",status="paid"} 2`,
		`agentmarket_protocol_drops_total{reason="sender_mismatch",role="tool"} 1`,
		`agentmarket_http_requests_total{code="200",handler="/healthz",method="GET"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
