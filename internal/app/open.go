package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"tablestage/internal/config"
	"tablestage/internal/history"
	"tablestage/internal/host/filehost"
	"tablestage/internal/kv"
	"tablestage/internal/search"
)

// Open assembles a Service backed by the file host in cfg.DataDir. Background
// workers (file watcher, event hub) stop when ctx is cancelled; the caller
// owns Close.
func Open(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*Service, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var closers []func() error
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	var store kv.Store = kv.NewMemoryStore()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := kv.NewRedisStore(cfg.RedisURL, "")
		if err != nil {
			return fail(err)
		}
		logger.Info("using redis for staged state")
		closers = append(closers, redisStore.Close)
		store = redisStore
	}

	var ledger historyLedger
	if dsn := strings.TrimSpace(cfg.HistoryDSN); dsn != "" {
		if path, ok := strings.CutPrefix(dsn, "sqlite://"); ok && path != "" && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fail(fmt.Errorf("create history dir: %w", err))
			}
		}
		db, err := history.Open(ctx, dsn)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db.Close)
		if err := history.ApplyMigrations(ctx, db); err != nil {
			return fail(fmt.Errorf("migrate history: %w", err))
		}
		ledger = history.NewLedger(db)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fail(fmt.Errorf("create data dir: %w", err))
	}
	fh, err := filehost.Open(cfg.DataDir, logger)
	if err != nil {
		return fail(err)
	}
	go func() {
		if err := fh.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("table watcher stopped")
		}
	}()

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		closers = append(closers, func() error {
			meiliClient.Close()
			return nil
		})
		index = meiliClient
	}
	searchService := search.NewService(index, logger)

	hub := NewHub(logger)
	go hub.Run(ctx)

	svc := New(cfg, Deps{
		Host:    fh,
		KV:      store,
		History: ledger,
		Search:  searchService,
		Hub:     hub,
		Logger:  logger,
	})
	for _, c := range closers {
		svc.AddCloser(c)
	}
	if err := svc.Bind(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}
