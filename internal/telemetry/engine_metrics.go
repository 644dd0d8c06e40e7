package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// EngineMetrics holds all the metric instruments for the storage engine.
// All record methods are safe to call on a nil receiver.
type EngineMetrics struct {
	CommitsCounter          metric.Int64Counter
	AbortsCounter           metric.Int64Counter
	ActiveTxnsUpDownCounter metric.Int64UpDownCounter
	WALAppendsCounter       metric.Int64Counter
	WALBytesCounter         metric.Int64Counter
	WALFlushHistogram       metric.Float64Histogram
	CacheHitsCounter        metric.Int64Counter
	CacheMissesCounter      metric.Int64Counter
	CacheEvictionsCounter   metric.Int64Counter
	CacheStealsCounter      metric.Int64Counter
	CheckpointsCounter      metric.Int64Counter
	CheckpointHistogram     metric.Float64Histogram
	PagesAllocatedCounter   metric.Int64Counter
}

// NewEngineMetrics creates and registers all the metrics for the storage engine.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	m := &EngineMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.CommitsCounter, "gojolite.txn.commits_total", "Total number of committed transactions."},
		{&m.AbortsCounter, "gojolite.txn.aborts_total", "Total number of aborted transactions."},
		{&m.WALAppendsCounter, "gojolite.wal.appends_total", "Total number of WAL records appended."},
		{&m.WALBytesCounter, "gojolite.wal.bytes_total", "Total number of bytes appended to the WAL."},
		{&m.CacheHitsCounter, "gojolite.cache.hits_total", "Page fetches served from the buffer pool."},
		{&m.CacheMissesCounter, "gojolite.cache.misses_total", "Page fetches that read from disk."},
		{&m.CacheEvictionsCounter, "gojolite.cache.evictions_total", "Frames evicted from the buffer pool."},
		{&m.CacheStealsCounter, "gojolite.cache.steals_total", "Frames of uncommitted transactions written out to make room."},
		{&m.CheckpointsCounter, "gojolite.checkpoint.total", "Completed checkpoints."},
		{&m.PagesAllocatedCounter, "gojolite.pages.allocated_total", "Pages allocated by the page store."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1")); err != nil {
			return nil, err
		}
	}

	if m.ActiveTxnsUpDownCounter, err = meter.Int64UpDownCounter(
		"gojolite.txn.active",
		metric.WithDescription("Number of active transactions."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.WALFlushHistogram, err = meter.Float64Histogram(
		"gojolite.wal.flush.duration",
		metric.WithDescription("Latency of WAL flush and fsync."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.CheckpointHistogram, err = meter.Float64Histogram(
		"gojolite.checkpoint.duration",
		metric.WithDescription("Duration of checkpoints."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func (m *EngineMetrics) TxnBegan() {
	if m != nil {
		m.ActiveTxnsUpDownCounter.Add(context.Background(), 1)
	}
}

func (m *EngineMetrics) TxnCommitted(readOnly bool) {
	if m == nil {
		return
	}
	m.ActiveTxnsUpDownCounter.Add(context.Background(), -1)
	m.CommitsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("read_only", readOnly)))
}

// TxnAborted records an abort; reason is a short label such as "conflict".
func (m *EngineMetrics) TxnAborted(reason string) {
	if m == nil {
		return
	}
	m.ActiveTxnsUpDownCounter.Add(context.Background(), -1)
	m.AbortsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *EngineMetrics) WALAppended(bytes int) {
	if m == nil {
		return
	}
	m.WALAppendsCounter.Add(context.Background(), 1)
	m.WALBytesCounter.Add(context.Background(), int64(bytes))
}

func (m *EngineMetrics) WALFlushed(d time.Duration) {
	if m != nil {
		m.WALFlushHistogram.Record(context.Background(), ms(d))
	}
}

func (m *EngineMetrics) CacheHit() {
	if m != nil {
		m.CacheHitsCounter.Add(context.Background(), 1)
	}
}

func (m *EngineMetrics) CacheMiss() {
	if m != nil {
		m.CacheMissesCounter.Add(context.Background(), 1)
	}
}

func (m *EngineMetrics) CacheEvicted() {
	if m != nil {
		m.CacheEvictionsCounter.Add(context.Background(), 1)
	}
}

func (m *EngineMetrics) CacheStolen() {
	if m != nil {
		m.CacheStealsCounter.Add(context.Background(), 1)
	}
}

func (m *EngineMetrics) CheckpointDone(d time.Duration) {
	if m == nil {
		return
	}
	m.CheckpointsCounter.Add(context.Background(), 1)
	m.CheckpointHistogram.Record(context.Background(), ms(d))
}

func (m *EngineMetrics) PageAllocated() {
	if m != nil {
		m.PagesAllocatedCounter.Add(context.Background(), 1)
	}
}
