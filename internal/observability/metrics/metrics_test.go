package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ZKGuard-Chain/internal/policy"
)

func TestHandlerRendersHTTPAndDomainMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/evaluate", http.MethodPost, 200, 30*time.Millisecond)
	ObserveHTTPRequest("/api/v1/evaluate", http.MethodPost, 503, 2*time.Second)

	d := DomainCollector()
	d.ObserveDecision(policy.Decision{PolicyType: "max-amount", Allowed: false})
	d.ObserveUnknownRule("legacy-rule")
	d.ObserveProof("ok", 1500*time.Millisecond)
	d.ObserveExecution("ALLOW", "CONFIRMED")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`zkguard_http_requests_total{handler="/api/v1/evaluate",method="POST",code="200"}`,
		`zkguard_http_request_errors_total{handler="/api/v1/evaluate",method="POST"} 1`,
		`zkguard_policy_decisions_total{policy="max-amount",allowed="false"}`,
		`zkguard_policy_unknown_rules_total{type="legacy-rule"}`,
		`zkguard_proofs_total{outcome="ok"}`,
		`zkguard_proof_duration_seconds_bucket{le="2.5"}`,
		`zkguard_executions_total{decision="ALLOW",state="CONFIRMED"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestDomainValue(t *testing.T) {
	d := newDomain(newRegistry())
	d.ObserveSignal("gas_price", true, time.Millisecond)
	d.ObserveSignal("gas_price", true, time.Millisecond)
	if got := d.Value("zkguard_signal_fetches_total", "signal", "gas_price", "ok", "true"); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	r := newRegistry()
	r.histogram("test_seconds", "Test.", []float64{1, 5})
	r.observe("test_seconds", 0.5, "op", "a")
	r.observe("test_seconds", 3, "op", "a")
	r.observe("test_seconds", 9, "op", "a")

	var b strings.Builder
	r.writeTo(&b)
	out := b.String()
	for _, want := range []string{
		`test_seconds_bucket{op="a",le="1"} 1`,
		`test_seconds_bucket{op="a",le="5"} 2`,
		`test_seconds_bucket{op="a",le="+Inf"} 3`,
		`test_seconds_sum{op="a"} 12.5`,
		`test_seconds_count{op="a"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("histogram output missing %q:\n%s", want, out)
		}
	}
}

func TestRegistryIgnoresUndeclaredFamilies(t *testing.T) {
	r := newRegistry()
	r.inc("not_declared", "a", "b")
	var b strings.Builder
	r.writeTo(&b)
	if b.Len() != 0 {
		t.Fatalf("expected empty output, got %q", b.String())
	}
	if r.value("not_declared", "a", "b") != 0 {
		t.Fatalf("expected zero value")
	}
}
