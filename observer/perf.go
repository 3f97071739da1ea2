package observer

import (
	"context"
	"time"

	engram "github.com/sorane/engram"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MirrorPerf registers observable gauges that expose the in-process Perf
// monitor through OTEL. Each collection cycle snapshots Stats and reports
// every counter and timer series under a "name" attribute. Unregister the
// returned registration to stop mirroring.
func MirrorPerf(inst *Instruments, perf *engram.Perf) (metric.Registration, error) {
	counterGauge, err := inst.Meter.Int64ObservableGauge("perf.counter",
		metric.WithDescription("In-process performance counters"))
	if err != nil {
		return nil, err
	}
	timerAvg, err := inst.Meter.Float64ObservableGauge("perf.timer.avg",
		metric.WithDescription("Average duration per timer series"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	timerCount, err := inst.Meter.Int64ObservableGauge("perf.timer.count",
		metric.WithDescription("Sample count per timer series"))
	if err != nil {
		return nil, err
	}
	hitRate, err := inst.Meter.Float64ObservableGauge("perf.cache.hit_rate",
		metric.WithDescription("Cache hit rate, hits/(hits+misses)"))
	if err != nil {
		return nil, err
	}

	return inst.Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := perf.Stats()
		for name, v := range stats.Counters {
			o.ObserveInt64(counterGauge, v, metric.WithAttributes(
				attribute.String("name", name)))
		}
		for name, ts := range stats.Timers {
			o.ObserveFloat64(timerAvg, float64(ts.Avg)/float64(time.Millisecond), metric.WithAttributes(
				attribute.String("name", name)))
			o.ObserveInt64(timerCount, int64(ts.Count), metric.WithAttributes(
				attribute.String("name", name)))
		}
		o.ObserveFloat64(hitRate, stats.CacheHitRate)
		return nil
	}, counterGauge, timerAvg, timerCount, hitRate)
}
