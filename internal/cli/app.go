package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/timeledger/internal/aggregate"
	"github.com/roach88/timeledger/internal/config"
	"github.com/roach88/timeledger/internal/ledger"
	"github.com/roach88/timeledger/internal/metrics"
	"github.com/roach88/timeledger/internal/store"
	"github.com/roach88/timeledger/internal/store/mongostore"
	"github.com/roach88/timeledger/internal/tracker"
)

// app is a tracker wired to the configured store and cache.
type app struct {
	cfg     config.Config
	store   ledger.Store
	tracker *tracker.Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger
	redis   *redis.Client
}

// openApp opens the store and cache named by cfg. A nil registerer skips
// metrics.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*app, error) {
	settings, err := cfg.TrackerSettings()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st, logger: logger}

	cache, err := a.openCache(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	opts := []tracker.Option{tracker.WithLogger(logger)}
	if cache != nil {
		opts = append(opts, tracker.WithCache(cache))
	}
	if reg != nil {
		a.metrics = metrics.New(reg)
		opts = append(opts,
			tracker.WithEngineObserver(a.metrics),
			tracker.WithResolverObserver(a.metrics),
		)
	}
	a.tracker = tracker.New(st, settings, opts...)

	logger.Debug("tracker ready",
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Driver,
		"location", settings.Location.String(),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := store.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "mongo":
		st, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return st, nil
	case "memory":
		return ledger.NewMemStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// openCache returns nil for the memory driver; the tracker then keeps its
// own in-process cache.
func (a *app) openCache(ctx context.Context) (aggregate.Cache, error) {
	switch a.cfg.Cache.Driver {
	case "", "memory":
		return nil, nil
	case "redis":
		rdb, err := aggregate.DialRedis(ctx, a.cfg.Cache.RedisAddr, a.cfg.Cache.RedisPassword, a.cfg.Cache.RedisDB)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
		return aggregate.NewRedisCache(rdb, "timeledger:bucket:", a.cfg.Cache.TTL), nil
	case "store":
		bs, ok := a.store.(aggregate.BucketStore)
		if !ok {
			return nil, fmt.Errorf("cache driver %q needs a store that persists buckets, %q does not", "store", a.cfg.Store.Driver)
		}
		return aggregate.StoreCache{Store: bs}, nil
	}
	return nil, fmt.Errorf("unknown cache driver %q", a.cfg.Cache.Driver)
}

// healthCheck probes the store.
func (a *app) healthCheck(ctx context.Context) error {
	_, err := a.store.Revision(ctx)
	return err
}

func (a *app) Close() error {
	var errs []error
	if err := a.tracker.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
