package otel

import (
	"context"
	"errors"
	"fmt"

	authcore "github.com/vaultline/authcore"
	"github.com/vaultline/authcore/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authcore.MetricsSnapshot
}

// histogramGauges holds the per-bucket gauges and the sample-count gauge for
// one histogram definition. The metric API has no observable histogram, so
// cumulative buckets are published as individual gauges, one per bound.
type histogramGauges struct {
	buckets [8]metric.Int64ObservableGauge
	samples metric.Int64ObservableGauge
}

// OTelExporter publishes engine metrics through an OpenTelemetry meter using
// observable instruments; values are pulled from a snapshot on collection
// instead of being pushed per operation.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
}

// NewOTelExporter registers observable instruments for every metric the
// engine exposes. Close unregisters the collection callback.
func NewOTelExporter(meter metric.Meter, engine *authcore.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

// NewOTelExporterFromSource is NewOTelExporter for a custom snapshot source.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	counters, observables, err := counterInstruments(meter)
	if err != nil {
		return nil, err
	}
	histograms, gaugeObservables, err := histogramInstruments(meter)
	if err != nil {
		return nil, err
	}
	observables = append(observables, gaugeObservables...)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := source.MetricsSnapshot()

		for _, def := range internaldefs.CounterDefs {
			observer.ObserveInt64(counters[def.ID], int64(snapshot.Counters[def.ID]))
		}

		for _, def := range internaldefs.HistogramDefs {
			gauges := histograms[def.ID]
			cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID]))
			for i := range gauges.buckets {
				observer.ObserveInt64(gauges.buckets[i], int64(cumulative[i]))
			}
			observer.ObserveInt64(gauges.samples, int64(cumulative[len(cumulative)-1]))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	return &OTelExporter{source: source, registration: registration}, nil
}

func counterInstruments(meter metric.Meter) (map[authcore.MetricID]metric.Int64ObservableCounter, []metric.Observable, error) {
	counters := make(map[authcore.MetricID]metric.Int64ObservableCounter, len(internaldefs.CounterDefs))
	observables := make([]metric.Observable, 0, len(internaldefs.CounterDefs))

	for _, def := range internaldefs.CounterDefs {
		instrument, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		counters[def.ID] = instrument
		observables = append(observables, instrument)
	}
	return counters, observables, nil
}

func histogramInstruments(meter metric.Meter) (map[authcore.MetricID]histogramGauges, []metric.Observable, error) {
	histograms := make(map[authcore.MetricID]histogramGauges, len(internaldefs.HistogramDefs))
	observables := make([]metric.Observable, 0, len(internaldefs.HistogramDefs)*9)

	for _, def := range internaldefs.HistogramDefs {
		var gauges histogramGauges
		for i, suffix := range internaldefs.HistogramBoundSuffix {
			name := def.Name + "_bucket_le_" + suffix
			instrument, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative histogram bucket count."))
			if err != nil {
				return nil, nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
			}
			gauges.buckets[i] = instrument
			observables = append(observables, instrument)
		}

		name := def.Name + "_count"
		instrument, err := meter.Int64ObservableGauge(name, metric.WithDescription("Histogram total sample count."))
		if err != nil {
			return nil, nil, fmt.Errorf("create histogram count gauge %s: %w", name, err)
		}
		gauges.samples = instrument
		observables = append(observables, instrument)

		histograms[def.ID] = gauges
	}
	return histograms, observables, nil
}

// Close unregisters the exporter's collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
