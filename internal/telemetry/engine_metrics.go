package internaltelemetry

import (
	"context"

	versionmanager "github.com/sushant-115/minidb/core/version_manager"
	bufferpool "github.com/sushant-115/minidb/core/write_engine/buffer_pool"
	"github.com/sushant-115/minidb/core/write_engine/wal"
	"go.opentelemetry.io/otel/metric"
)

// EngineStats is what the engine exposes for observation.
type EngineStats interface {
	PoolStats() bufferpool.Stats
	LogStats() wal.Stats
	TxnStats() versionmanager.Stats
}

// RegisterEngineMetrics registers observable counters that read the engine's
// counters at every collection. Unregister the returned registration before
// the engine is closed.
func RegisterEngineMetrics(meter metric.Meter, stats EngineStats) (metric.Registration, error) {
	counter := func(name, desc string) (metric.Int64ObservableCounter, error) {
		return meter.Int64ObservableCounter("minidb.engine."+name,
			metric.WithDescription(desc),
			metric.WithUnit("1"))
	}

	cacheHits, err := counter("cache.hits_total", "Page cache hits.")
	if err != nil {
		return nil, err
	}
	cacheMisses, err := counter("cache.misses_total", "Page cache misses.")
	if err != nil {
		return nil, err
	}
	cacheEvictions, err := counter("cache.evictions_total", "Pages evicted from the cache.")
	if err != nil {
		return nil, err
	}
	cacheFlushes, err := counter("cache.flushes_total", "Pages written back to the page file.")
	if err != nil {
		return nil, err
	}
	walAppends, err := counter("wal.appends_total", "Records appended to the log.")
	if err != nil {
		return nil, err
	}
	walBytes, err := meter.Int64ObservableCounter("minidb.engine.wal.bytes_total",
		metric.WithDescription("Bytes appended to the log."),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	txnBegun, err := counter("txn.begun_total", "Transactions begun.")
	if err != nil {
		return nil, err
	}
	txnCommitted, err := counter("txn.committed_total", "Transactions committed.")
	if err != nil {
		return nil, err
	}
	txnAborted, err := counter("txn.aborted_total", "Transactions aborted, by the client or the engine.")
	if err != nil {
		return nil, err
	}
	txnAutoAborted, err := counter("txn.auto_aborted_total", "Transactions aborted by the engine.")
	if err != nil {
		return nil, err
	}
	deadlocks, err := counter("txn.deadlocks_total", "Lock requests refused to break a deadlock.")
	if err != nil {
		return nil, err
	}
	versionSkips, err := counter("txn.version_skips_total", "Deletes refused because of a version skip.")
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		pool := stats.PoolStats()
		o.ObserveInt64(cacheHits, pool.Hits)
		o.ObserveInt64(cacheMisses, pool.Misses)
		o.ObserveInt64(cacheEvictions, pool.Evictions)
		o.ObserveInt64(cacheFlushes, pool.Flushes)

		log := stats.LogStats()
		o.ObserveInt64(walAppends, log.Appends)
		o.ObserveInt64(walBytes, log.BytesWritten)

		txn := stats.TxnStats()
		o.ObserveInt64(txnBegun, txn.Begun)
		o.ObserveInt64(txnCommitted, txn.Committed)
		o.ObserveInt64(txnAborted, txn.Aborted)
		o.ObserveInt64(txnAutoAborted, txn.AutoAborted)
		o.ObserveInt64(deadlocks, txn.Deadlocks)
		o.ObserveInt64(versionSkips, txn.VersionSkips)
		return nil
	}, cacheHits, cacheMisses, cacheEvictions, cacheFlushes, walAppends, walBytes,
		txnBegun, txnCommitted, txnAborted, txnAutoAborted, deadlocks, versionSkips)
}
