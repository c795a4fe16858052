package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/astromechza/counter-sync/internal/config"
)

const (
	BackendMemory    = config.BackendMemory
	BackendSQLite    = config.BackendSQLite
	BackendRedis     = config.BackendRedis
	BackendAutomerge = config.BackendAutomerge
	BackendDatastore = config.BackendDatastore
)

var errClosed = errors.New("store closed")

// Open builds the backend named by cfg and seeds the given counters.
func Open(ctx context.Context, cfg config.StoreConfig, counters []string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", cfg.Backend))
	switch cfg.Backend {
	case BackendMemory:
		logger.Info("opened store")
		return NewMemory(counters...), nil
	case BackendSQLite:
		s, err := OpenSQLite(ctx, cfg.SQLitePath, counters...)
		if err != nil {
			return nil, err
		}
		logger.Info("opened store", zap.String("path", cfg.SQLitePath))
		return s, nil
	case BackendRedis:
		s, err := OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, counters...)
		if err != nil {
			return nil, err
		}
		logger.Info("opened store", zap.String("addr", cfg.RedisAddr))
		return s, nil
	case BackendAutomerge:
		s, err := OpenAutomerge(cfg.AutomergePath, counters...)
		if err != nil {
			return nil, err
		}
		logger.Info("opened store", zap.String("path", cfg.AutomergePath))
		return s, nil
	case BackendDatastore:
		s, err := OpenDatastore(ctx, cfg.DatastoreProject, cfg.DatastoreNamespace, counters...)
		if err != nil {
			return nil, err
		}
		logger.Info("opened store", zap.String("project", cfg.DatastoreProject), zap.String("namespace", cfg.DatastoreNamespace))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func sortNewestFirst(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
