package authmesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authmesh/token"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricValidateAccepted)

	if got := m.Value(MetricValidateAccepted); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMetricsEnabledIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricValidateAccepted)
	m.Inc(MetricValidateAccepted)
	m.Inc(MetricValidateAccepted)

	if got := m.Value(MetricValidateAccepted); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricSessionRefreshed)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricSessionRefreshed); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}

	for _, d := range observations {
		m.Observe(MetricValidateLatency, d)
	}

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricValidateLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}

	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
}

func TestMetricsSnapshotConsistency(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Inc(MetricValidateAccepted)
	m.Inc(MetricValidateRejected)
	m.Inc(MetricValidateRejected)
	m.Observe(MetricValidateLatency, 2*time.Millisecond)

	snap := m.Snapshot()

	if snap.Counters[MetricValidateAccepted] != 1 {
		t.Fatalf("expected MetricValidateAccepted=1 got %d", snap.Counters[MetricValidateAccepted])
	}
	if snap.Counters[MetricValidateRejected] != 2 {
		t.Fatalf("expected MetricValidateRejected=2 got %d", snap.Counters[MetricValidateRejected])
	}
	if len(snap.Histograms[MetricValidateLatency]) != 8 {
		t.Fatalf("expected histogram length 8")
	}
	if snap.Histograms[MetricValidateLatency][0] != 1 {
		t.Fatalf("expected first histogram bucket=1 got %d", snap.Histograms[MetricValidateLatency][0])
	}
}

func TestMetricsSnapshotSkipsHistogramIDs(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricValidateLatency)
	m.Observe(MetricSessionCreated, time.Millisecond)

	snap := m.Snapshot()
	if _, ok := snap.Counters[MetricValidateLatency]; ok {
		t.Fatal("histogram id must not appear among counters")
	}
	if len(snap.Histograms) != 0 {
		t.Fatalf("histograms disabled, got %d", len(snap.Histograms))
	}
}

func TestEngineCountsValidationOutcomes(t *testing.T) {
	e, _ := newRedisEngine(t, func(c *Config) { c.Metrics.EnableLatencyHistograms = true })
	lr := login(t, e, 42, token.FormatEnhanced)

	e.Validate(context.Background(), lr.AccessToken)
	e.Validate(context.Background(), "garbage")

	snap := e.MetricsSnapshot()
	if snap.Counters[MetricValidateAccepted] != 1 || snap.Counters[MetricValidateRejected] != 1 {
		t.Fatalf("unexpected counters %v", snap.Counters)
	}
	if snap.Counters[MetricSessionCreated] != 1 || snap.Counters[MetricTokenInvalid] != 1 {
		t.Fatalf("unexpected counters %v", snap.Counters)
	}
	var total uint64
	for _, v := range snap.Histograms[MetricValidateLatency] {
		total += v
	}
	if total != 2 {
		t.Fatalf("expected 2 latency observations, got %d", total)
	}
}
