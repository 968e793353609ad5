package transport

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorder_CountersUseFixedLabels(t *testing.T) {
	recorder := NewPrometheusRecorder(nil)
	tags := map[string]string{"provider_id": "gemini", "tier": "flash", "classification": "success", "ignored": "x"}
	recorder.IncCounter(context.Background(), "gateway.attempt.total", 1, tags)
	recorder.IncCounter(context.Background(), "gateway.attempt.total", 2, tags)

	counter := recorder.counters["gateway_attempt_total"]
	if counter == nil {
		t.Fatalf("expected counter to be registered under sanitized name")
	}
	got := testutil.ToFloat64(counter.With(labelsFor(tags)))
	if got != 3 {
		t.Fatalf("expected counter value 3, got %v", got)
	}
}

func TestPrometheusRecorder_HistogramsAreGathered(t *testing.T) {
	recorder := NewPrometheusRecorder(nil)
	recorder.ObserveHistogram(context.Background(), "gateway.invoke.duration_ms", 42, map[string]string{"operation": "invoke"})

	families, err := recorder.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "gateway_invoke_duration_ms" {
			found = true
			if count := family.GetMetric()[0].GetHistogram().GetSampleCount(); count != 1 {
				t.Fatalf("expected one sample, got %d", count)
			}
		}
	}
	if !found {
		t.Fatalf("expected histogram family to be gathered")
	}
}

func TestMetricName_Sanitizes(t *testing.T) {
	cases := map[string]string{
		"gateway.invoke.total":                 "gateway_invoke_total",
		"gateway.credential_state.transitions": "gateway_credential_state_transitions",
		" 1bad-name ":                          "_1bad_name",
		"":                                     "",
	}
	for input, want := range cases {
		if got := metricName(input); got != want {
			t.Fatalf("metricName(%q) = %q, want %q", input, got, want)
		}
	}
}
