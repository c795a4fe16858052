// Package remote is the boundary sessions use to read and adjust persisted counters.
//
// Every call either returns a fresh authoritative value or fails; implementations never
// answer from a client-side cache.
package remote

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/astromechza/counter-sync/internal/obs"
	"github.com/astromechza/counter-sync/pkg/store"
)

type Service interface {
	FetchCurrent(ctx context.Context, name string) (int64, error)
	// ApplyDelta adjusts the counter by delta (which may be negative) and returns the new value.
	ApplyDelta(ctx context.Context, name string, delta int64) (int64, error)
}

type RecordService interface {
	CreateRecord(ctx context.Context, name string) (store.Record, error)
	GetRecord(ctx context.Context, id int64) (store.Record, error)
	ListRecords(ctx context.Context) ([]store.Record, error)
}

var (
	_ Service       = (*Local)(nil)
	_ RecordService = (*Local)(nil)
)

// Local serves the remote contract in-process on top of a Store.
type Local struct {
	store  store.Store
	logger *zap.Logger
	// notify is called with the authoritative value after each successful adjust.
	notify func(name string, value int64)
}

type LocalOption func(l *Local)

func WithLocalLogger(logger *zap.Logger) LocalOption {
	return func(l *Local) { l.logger = logger }
}

// WithNotify registers a callback fired after every successful adjust.
func WithNotify(fn func(name string, value int64)) LocalOption {
	return func(l *Local) { l.notify = fn }
}

func NewLocal(s store.Store, opts ...LocalOption) *Local {
	l := &Local{store: s, logger: zap.NewNop()}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Local) FetchCurrent(ctx context.Context, name string) (int64, error) {
	v, err := l.store.Read(ctx, name)
	obs.RemoteCallsTotal.WithLabelValues("fetch", obs.Outcome(err)).Inc()
	if err != nil {
		l.logger.Warn("fetch failed", zap.String("counter", name), zap.Error(err))
		return 0, err
	}
	return v, nil
}

func (l *Local) ApplyDelta(ctx context.Context, name string, delta int64) (int64, error) {
	start := time.Now()
	v, err := l.store.Adjust(ctx, name, delta)
	obs.RemoteCallsTotal.WithLabelValues("adjust", obs.Outcome(err)).Inc()
	if err != nil {
		l.logger.Warn("adjust failed", zap.String("counter", name), zap.Int64("delta", delta), zap.Error(err))
		return 0, err
	}
	l.logger.Debug("adjusted", zap.String("counter", name), zap.Int64("delta", delta), zap.Int64("value", v), zap.Duration("duration", time.Since(start)))
	if l.notify != nil {
		l.notify(name, v)
	}
	return v, nil
}

func (l *Local) CreateRecord(ctx context.Context, name string) (store.Record, error) {
	r, err := l.store.CreateRecord(ctx, name)
	if err != nil {
		return store.Record{}, err
	}
	obs.RecordsCreatedTotal.Inc()
	return r, nil
}

func (l *Local) GetRecord(ctx context.Context, id int64) (store.Record, error) {
	return l.store.GetRecord(ctx, id)
}

func (l *Local) ListRecords(ctx context.Context) ([]store.Record, error) {
	return l.store.ListRecords(ctx)
}
