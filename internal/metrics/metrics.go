// Package metrics defines per-operation latency and error counters on the
// OpenTelemetry metric API, caching meters and attribute sets per
// operation name to avoid re-allocating them on every call for
// filesystem-op/KV-transaction/hash-block metrics. It configures no
// exporter, and no other package in this repository records through it.
package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	FSOpKey       = "fs_op"
	ErrorKindKey  = "error_kind"
	CacheHitKey   = "cache_hit"
	HashAlgoKey   = "hash_algorithm"
)

var (
	fsOpsMeter    = otel.Meter("kvfs/fs_op")
	txnMeter      = otel.Meter("kvfs/txn")
	hashMeter     = otel.Meter("kvfs/hashblock")

	fsOpsAttrs    sync.Map
	errKindAttrs  sync.Map
	cacheHitAttrs sync.Map
)

func loadOrStore(mp *sync.Map, key string, gen func() attribute.Set) metric.MeasurementOption {
	if v, ok := mp.Load(key); ok {
		return v.(metric.MeasurementOption)
	}
	v, _ := mp.LoadOrStore(key, metric.WithAttributeSet(gen()))
	return v.(metric.MeasurementOption)
}

func opAttrs(op string) metric.MeasurementOption {
	return loadOrStore(&fsOpsAttrs, op, func() attribute.Set {
		return attribute.NewSet(attribute.String(FSOpKey, op))
	})
}

func errKindAttrsFor(op, kind string) metric.MeasurementOption {
	return loadOrStore(&errKindAttrs, op+"|"+kind, func() attribute.Set {
		return attribute.NewSet(attribute.String(FSOpKey, op), attribute.String(ErrorKindKey, kind))
	})
}

func cacheHitAttrsFor(hit bool) metric.MeasurementOption {
	key := "miss"
	if hit {
		key = "hit"
	}
	return loadOrStore(&cacheHitAttrs, key, func() attribute.Set {
		return attribute.NewSet(attribute.Bool(CacheHitKey, hit))
	})
}

// Handle is the metrics sink for façade and engine measurements.
// NoopHandle discards every measurement.
type Handle interface {
	OpsCount(ctx context.Context, inc int64, op string)
	OpsLatency(ctx context.Context, d time.Duration, op string)
	OpsErrorCount(ctx context.Context, inc int64, op, errKind string)

	TxnRetryCount(ctx context.Context, inc int64)
	TxnCommitLatency(ctx context.Context, d time.Duration)

	CacheLookupCount(ctx context.Context, inc int64, hit bool)

	BlocksUploaded(ctx context.Context, inc int64)
	BlocksReclaimed(ctx context.Context, inc int64)
}

type otelHandle struct {
	opsCount      metric.Int64Counter
	opsErrorCount metric.Int64Counter
	opsLatency    metric.Float64Histogram

	txnRetryCount    metric.Int64Counter
	txnCommitLatency metric.Float64Histogram

	cacheLookupCount metric.Int64Counter

	blocksUploaded  metric.Int64Counter
	blocksReclaimed metric.Int64Counter
}

// New builds the real OpenTelemetry-backed Handle. Its instruments record
// through whatever MeterProvider is installed via otel.SetMeterProvider;
// cmd/kvfs neither installs one nor calls New.
func New() (Handle, error) {
	opsCount, err1 := fsOpsMeter.Int64Counter("fs/ops_count", metric.WithDescription("Cumulative filesystem operations processed."))
	opsErrorCount, err2 := fsOpsMeter.Int64Counter("fs/ops_error_count", metric.WithDescription("Cumulative filesystem operation errors, by op and error kind."))
	opsLatency, err3 := fsOpsMeter.Float64Histogram("fs/ops_latency", metric.WithDescription("Filesystem operation latency."), metric.WithUnit("us"))

	txnRetryCount, err4 := txnMeter.Int64Counter("txn/retry_count", metric.WithDescription("Cumulative transaction retry attempts due to conflict or timeout."))
	txnCommitLatency, err5 := txnMeter.Float64Histogram("txn/commit_latency", metric.WithDescription("Latency from Begin to a successful Commit."), metric.WithUnit("ms"))

	cacheLookupCount, err6 := fsOpsMeter.Int64Counter("fs/cache_lookup_count", metric.WithDescription("Cumulative cache lookups, split by hit/miss."))

	blocksUploaded, err7 := hashMeter.Int64Counter("hashblock/blocks_uploaded", metric.WithDescription("Cumulative new block payloads written."))
	blocksReclaimed, err8 := hashMeter.Int64Counter("hashblock/blocks_reclaimed", metric.WithDescription("Cumulative block payloads deleted after their refcount reached zero."))

	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7, err8); err != nil {
		return nil, err
	}

	return &otelHandle{
		opsCount:         opsCount,
		opsErrorCount:    opsErrorCount,
		opsLatency:       opsLatency,
		txnRetryCount:    txnRetryCount,
		txnCommitLatency: txnCommitLatency,
		cacheLookupCount: cacheLookupCount,
		blocksUploaded:   blocksUploaded,
		blocksReclaimed:  blocksReclaimed,
	}, nil
}

func (o *otelHandle) OpsCount(ctx context.Context, inc int64, op string) {
	o.opsCount.Add(ctx, inc, opAttrs(op))
}

func (o *otelHandle) OpsLatency(ctx context.Context, d time.Duration, op string) {
	o.opsLatency.Record(ctx, float64(d.Microseconds()), opAttrs(op))
}

func (o *otelHandle) OpsErrorCount(ctx context.Context, inc int64, op, errKind string) {
	o.opsErrorCount.Add(ctx, inc, errKindAttrsFor(op, errKind))
}

func (o *otelHandle) TxnRetryCount(ctx context.Context, inc int64) {
	o.txnRetryCount.Add(ctx, inc)
}

func (o *otelHandle) TxnCommitLatency(ctx context.Context, d time.Duration) {
	o.txnCommitLatency.Record(ctx, float64(d.Milliseconds()))
}

func (o *otelHandle) CacheLookupCount(ctx context.Context, inc int64, hit bool) {
	o.cacheLookupCount.Add(ctx, inc, cacheHitAttrsFor(hit))
}

func (o *otelHandle) BlocksUploaded(ctx context.Context, inc int64) {
	o.blocksUploaded.Add(ctx, inc)
}

func (o *otelHandle) BlocksReclaimed(ctx context.Context, inc int64) {
	o.blocksReclaimed.Add(ctx, inc)
}

// NoopHandle discards every measurement; used when metrics are disabled.
type NoopHandle struct{}

func (NoopHandle) OpsCount(context.Context, int64, string)          {}
func (NoopHandle) OpsLatency(context.Context, time.Duration, string) {}
func (NoopHandle) OpsErrorCount(context.Context, int64, string, string) {}
func (NoopHandle) TxnRetryCount(context.Context, int64)             {}
func (NoopHandle) TxnCommitLatency(context.Context, time.Duration) {}
func (NoopHandle) CacheLookupCount(context.Context, int64, bool)   {}
func (NoopHandle) BlocksUploaded(context.Context, int64)           {}
func (NoopHandle) BlocksReclaimed(context.Context, int64)          {}
