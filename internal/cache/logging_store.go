package cache

import (
	"context"
	"io"
	"iter"
	"time"

	"mozarex-cache/internal/metrics"
	"mozarex-cache/pkg/logging/logging"

	"go.uber.org/zap"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner Store
}

// NewLoggingStore returns a store that logs and records metrics.
func NewLoggingStore(inner Store) Store {
	return &LoggingStore{inner: inner}
}

// observe records latency and logs one store call. Misses are not errors.
func observe(ctx context.Context, op string, start time.Time, err error, fields ...zap.Field) {
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
		metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
	metrics.StoreOperationSeconds.WithLabelValues(op, result).Observe(elapsed.Seconds())

	fields = append(fields,
		zap.String("store_op", op),
		zap.Float64("latency_ms", float64(elapsed.Microseconds())/1000.0),
	)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("cache_store", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("cache_store", fields...)
}

func (s *LoggingStore) FindByFingerprint(ctx context.Context, fingerprint string) (*Entry, error) {
	start := time.Now()
	e, err := s.inner.FindByFingerprint(ctx, fingerprint)
	observe(ctx, "find_by_fingerprint", start, err,
		zap.String("fingerprint", fingerprint),
		zap.Bool("found", e != nil),
	)
	return e, err
}

func (s *LoggingStore) FindByID(ctx context.Context, id string) (*Entry, error) {
	start := time.Now()
	e, err := s.inner.FindByID(ctx, id)
	observe(ctx, "find_by_id", start, err,
		zap.String("entry_id", id),
		zap.Bool("found", e != nil),
	)
	return e, err
}

func (s *LoggingStore) FindLatest(ctx context.Context, ownerID, domain string) (*Entry, error) {
	start := time.Now()
	e, err := s.inner.FindLatest(ctx, ownerID, domain)
	observe(ctx, "find_latest", start, err,
		zap.String("owner_id", ownerID),
		zap.String("domain", domain),
		zap.Bool("found", e != nil),
	)
	return e, err
}

func (s *LoggingStore) Upsert(ctx context.Context, e *Entry) (*Entry, error) {
	start := time.Now()
	stored, err := s.inner.Upsert(ctx, e)
	observe(ctx, "upsert", start, err, zap.String("fingerprint", e.Fingerprint))
	return stored, err
}

func (s *LoggingStore) UnsetLatest(ctx context.Context, ownerID, domain string) error {
	start := time.Now()
	err := s.inner.UnsetLatest(ctx, ownerID, domain)
	observe(ctx, "unset_latest", start, err,
		zap.String("owner_id", ownerID),
		zap.String("domain", domain),
	)
	return err
}

func (s *LoggingStore) StoreLatest(ctx context.Context, e *Entry) (*Entry, error) {
	start := time.Now()
	stored, err := s.inner.StoreLatest(ctx, e)
	observe(ctx, "store_latest", start, err,
		zap.String("fingerprint", e.Fingerprint),
		zap.String("owner_id", e.OwnerID),
		zap.String("domain", e.Domain),
	)
	return stored, err
}

func (s *LoggingStore) UpdateByID(ctx context.Context, id string, a Artifact, expiresAt *time.Time) (*Entry, error) {
	start := time.Now()
	e, err := s.inner.UpdateByID(ctx, id, a, expiresAt)
	observe(ctx, "update_by_id", start, err, zap.String("entry_id", id))
	return e, err
}

func (s *LoggingStore) DeleteByFingerprint(ctx context.Context, fingerprint string) error {
	start := time.Now()
	err := s.inner.DeleteByFingerprint(ctx, fingerprint)
	observe(ctx, "delete_by_fingerprint", start, err, zap.String("fingerprint", fingerprint))
	return err
}

func (s *LoggingStore) ScanAll(ctx context.Context) iter.Seq2[Summary, error] {
	return func(yield func(Summary, error) bool) {
		start := time.Now()
		rows := 0
		var scanErr error
		defer func() {
			observe(ctx, "scan_all", start, scanErr, zap.Int("rows", rows))
		}()

		for sum, err := range s.inner.ScanAll(ctx) {
			if err != nil {
				scanErr = err
			} else {
				rows++
			}
			if !yield(sum, err) {
				return
			}
		}
	}
}

func (s *LoggingStore) PurgeExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.inner.PurgeExpired(ctx)
	observe(ctx, "purge_expired", start, err, zap.Int64("purged", n))
	if err == nil {
		metrics.PurgedEntriesTotal.Add(float64(n))
	}
	return n, err
}

// Close closes the wrapped store when it holds resources.
func (s *LoggingStore) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
