package authcore

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledIsInert(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	m.Inc(MetricLoginSuccess)
	m.Observe(MetricValidateLatency, 3*time.Millisecond)

	if m.Value(MetricLoginSuccess) != 0 {
		t.Fatal("expected disabled metrics to stay at zero")
	}
	snap := m.Snapshot()
	if len(snap.Counters) != 0 || len(snap.Histograms) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestMetricsCountersConcurrent(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.Inc(MetricLoginSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricLoginSuccess); got != workers*perWorker {
		t.Fatalf("expected %d, got %d", workers*perWorker, got)
	}
}

func TestMetricsOutOfRangeIDIgnored(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(metricIDCount)
	m.Inc(MetricID(9999))
	if m.Value(MetricID(9999)) != 0 {
		t.Fatal("expected out-of-range id to be ignored")
	}
}

func TestLatencyHistogramBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	samples := map[time.Duration]int{
		2 * time.Millisecond:    0,
		8 * time.Millisecond:    1,
		20 * time.Millisecond:   2,
		40 * time.Millisecond:   3,
		80 * time.Millisecond:   4,
		200 * time.Millisecond:  5,
		400 * time.Millisecond:  6,
		5000 * time.Millisecond: 7,
	}
	for d := range samples {
		m.Observe(MetricValidateLatency, d)
	}

	snap := m.Snapshot()
	buckets, ok := snap.Histograms[MetricValidateLatency]
	if !ok {
		t.Fatal("expected a latency histogram in the snapshot")
	}
	if len(buckets) != histBucketCount {
		t.Fatalf("expected %d buckets, got %d", histBucketCount, len(buckets))
	}
	for d, idx := range samples {
		if buckets[idx] != 1 {
			t.Fatalf("sample %v: expected bucket %d to hold 1, got %v", d, idx, buckets)
		}
	}
}

func TestObserveWithoutLatencyEnabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Observe(MetricValidateLatency, time.Millisecond)

	snap := m.Snapshot()
	if len(snap.Histograms) != 0 {
		t.Fatalf("expected no histograms, got %+v", snap.Histograms)
	}
}

func TestObserveIgnoresCounterIDs(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m.Observe(MetricLoginSuccess, time.Millisecond)

	snap := m.Snapshot()
	if buckets := snap.Histograms[MetricValidateLatency]; len(buckets) > 0 {
		for i, v := range buckets {
			if v != 0 {
				t.Fatalf("expected empty histogram, bucket %d holds %d", i, v)
			}
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricLoginSuccess)

	snap := m.Snapshot()
	snap.Counters[MetricLoginSuccess] = 999

	if m.Value(MetricLoginSuccess) != 1 {
		t.Fatal("expected live counters unaffected by snapshot mutation")
	}
}
