package prometheus

import (
	"net/http/httptest"
	"strings"
	"testing"

	authcore "github.com/vaultline/authcore"
)

type fakeSource struct {
	snapshot authcore.MetricsSnapshot
}

func (f *fakeSource) MetricsSnapshot() authcore.MetricsSnapshot { return f.snapshot }

func seededSource() *fakeSource {
	return &fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters: map[authcore.MetricID]uint64{
				authcore.MetricLoginSuccess:      7,
				authcore.MetricLoginFailure:      3,
				authcore.MetricAuditEventDropped: 5,
			},
			Histograms: map[authcore.MetricID][]uint64{
				authcore.MetricValidateLatency: {2, 1, 0, 0, 0, 0, 0, 1},
			},
		},
	}
}

func TestRenderCounters(t *testing.T) {
	exporter := NewPrometheusExporterFromSource(seededSource())
	out := exporter.Render()

	for _, want := range []string{
		"# TYPE authcore_login_success_total counter",
		"authcore_login_success_total 7",
		"authcore_login_failure_total 3",
		"authcore_audit_dropped_total 5",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in rendered output:\n%s", want, out)
		}
	}

	// Undeclared counters render as zero, not disappear.
	if !strings.Contains(out, "authcore_refresh_success_total 0") {
		t.Fatalf("expected zero-valued counter line, got:\n%s", out)
	}
}

func TestRenderHistogramIsCumulative(t *testing.T) {
	exporter := NewPrometheusExporterFromSource(seededSource())
	out := exporter.Render()

	for _, want := range []string{
		"# TYPE authcore_validate_latency_seconds histogram",
		`authcore_validate_latency_seconds_bucket{le="0.005"} 2`,
		`authcore_validate_latency_seconds_bucket{le="0.01"} 3`,
		`authcore_validate_latency_seconds_bucket{le="+Inf"} 4`,
		"authcore_validate_latency_seconds_count 4",
		"authcore_validate_latency_seconds_sum 0",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in rendered output:\n%s", want, out)
		}
	}
}

func TestRenderEmptySource(t *testing.T) {
	exporter := NewPrometheusExporterFromSource(&fakeSource{
		snapshot: authcore.MetricsSnapshot{
			Counters:   map[authcore.MetricID]uint64{},
			Histograms: map[authcore.MetricID][]uint64{},
		},
	})
	if out := exporter.Render(); out != "" {
		t.Fatalf("expected empty render for an inert source, got:\n%s", out)
	}
}

func TestHandlerContentType(t *testing.T) {
	exporter := NewPrometheusExporterFromSource(seededSource())

	rec := httptest.NewRecorder()
	exporter.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type: %s", got)
	}
	if !strings.Contains(rec.Body.String(), "authcore_login_success_total 7") {
		t.Fatalf("unexpected body:\n%s", rec.Body.String())
	}
}
