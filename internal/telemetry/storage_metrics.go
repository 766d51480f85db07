package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds all the metric instruments for the storage core.
type StorageMetrics struct {
	PagesLoadedCounter      metric.Int64Counter
	PagesFlushedCounter     metric.Int64Counter
	DirtyPagesUpDownCounter metric.Int64UpDownCounter
	OOMRetriesCounter       metric.Int64Counter
	WALAppendsCounter       metric.Int64Counter
	WALAppendLatency        metric.Int64Histogram
	WALRecoveredCounter     metric.Int64Counter
	IndexOpsCounter         metric.Int64Counter
}

// NewStorageMetrics creates and registers all the metrics for the storage core.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	pagesLoaded, err := meter.Int64Counter(
		"gojostore.page_cache.loaded_total",
		metric.WithDescription("Total number of pages read into the page cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesFlushed, err := meter.Int64Counter(
		"gojostore.page_cache.flushed_total",
		metric.WithDescription("Total number of dirty pages written back to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dirtyPages, err := meter.Int64UpDownCounter(
		"gojostore.page_cache.dirty_pages",
		metric.WithDescription("Number of pages currently pinned dirty."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	oomRetries, err := meter.Int64Counter(
		"gojostore.page_cache.oom_retries_total",
		metric.WithDescription("Page allocations retried after the memory budget was exhausted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	walAppends, err := meter.Int64Counter(
		"gojostore.wal.appended_total",
		metric.WithDescription("Total number of transaction records appended to the log."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	walLatency, err := meter.Int64Histogram(
		"gojostore.wal.append_duration",
		metric.WithDescription("Latency of a durable log append."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	walRecovered, err := meter.Int64Counter(
		"gojostore.wal.replayed_total",
		metric.WithDescription("Transaction records applied during replay."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	indexOps, err := meter.Int64Counter(
		"gojostore.index.operations_total",
		metric.WithDescription("Skip list operations by kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		PagesLoadedCounter:      pagesLoaded,
		PagesFlushedCounter:     pagesFlushed,
		DirtyPagesUpDownCounter: dirtyPages,
		OOMRetriesCounter:       oomRetries,
		WALAppendsCounter:       walAppends,
		WALAppendLatency:        walLatency,
		WALRecoveredCounter:     walRecovered,
		IndexOpsCounter:         indexOps,
	}, nil
}

// NoopStorageMetrics returns instruments that record nothing.
func NoopStorageMetrics() *StorageMetrics {
	m, _ := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
