package manager

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/smallnest/checkpointgo/config"
	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/store"
	"github.com/smallnest/checkpointgo/store/memory"
	"github.com/smallnest/checkpointgo/store/postgres"
	"github.com/smallnest/checkpointgo/store/redis"
	"github.com/smallnest/checkpointgo/store/sqlite"
)

// SelectStore builds the checkpoint store a process should run on. With
// cfg.PreferDurable it constructs the configured durable backend and probes
// it once, bounded by cfg.HealthCheckTimeout. A backend that fails the probe
// is traded for a volatile in-memory store behind one prominent warning;
// saves keep working but will not survive a restart. The returned store's
// HealthCheck still reports the durable backend, so the outage stays visible
// on the health surface for as long as it lasts.
//
// The decision is made exactly once. A backend that recovers later is not
// picked up until the process restarts.
func SelectStore(ctx context.Context, cfg *config.Config, logger log.Logger) (store.CheckpointStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("select store: nil config")
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	if !cfg.PreferDurable {
		logger.Info("durable checkpoints disabled, using in-memory store")
		return memory.NewMemoryCheckpointStore(), nil
	}

	durable, err := buildDurable(ctx, cfg)
	if err != nil {
		// Misconfiguration, not an outage: a retry cannot help, so this
		// surfaces instead of degrading silently.
		return nil, fmt.Errorf("build %s checkpoint store: %w", cfg.Backend, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.HealthCheckTimeout)
	defer cancel()

	h := durable.HealthCheck(probeCtx)
	if h.Healthy {
		if ps, ok := durable.(*postgres.PostgresCheckpointStore); ok {
			if err := ps.InitSchema(ctx); err != nil {
				return fallBack(logger, cfg.Backend, durable, err.Error()), nil
			}
		}
		logger.Info("using %s checkpoint store", cfg.Backend)
		return durable, nil
	}

	return fallBack(logger, cfg.Backend, durable, h.Err), nil
}

func buildDurable(ctx context.Context, cfg *config.Config) (store.CheckpointStore, error) {
	switch cfg.Backend {
	case "redis":
		opts := redis.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			URL:      cfg.Redis.URL,
			Prefix:   cfg.Prefix(),
		}
		if cfg.Redis.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		rs, err := redis.NewRedisCheckpointStore(opts)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case "postgres":
		ps, err := postgres.NewPostgresCheckpointStore(ctx, postgres.PostgresOptions{
			ConnString: cfg.Postgres.ConnString,
			TableName:  cfg.Postgres.TableName,
		})
		if err != nil {
			return nil, err
		}
		return ps, nil
	case "sqlite":
		ss, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
			Path:      cfg.SQLite.Path,
			TableName: cfg.SQLite.TableName,
		})
		if err != nil {
			return nil, err
		}
		return ss, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func fallBack(logger log.Logger, backend string, durable store.CheckpointStore, reason string) store.CheckpointStore {
	log.Quietly(func() {
		logger.Warn("%s checkpoint store unavailable (%s): falling back to volatile in-memory storage, checkpoints will NOT survive a restart", backend, reason)
	})
	return &fallbackStore{
		CheckpointStore: memory.NewMemoryCheckpointStore(),
		durable:         durable,
	}
}

// fallbackStore serves all operations from an embedded volatile store while
// keeping the unreachable durable client around for health reporting, so
// monitoring keeps seeing the outage that caused the degradation.
type fallbackStore struct {
	store.CheckpointStore
	durable store.CheckpointStore
}

func (f *fallbackStore) HealthCheck(ctx context.Context) store.Health {
	return f.durable.HealthCheck(ctx)
}

func (f *fallbackStore) Close() error {
	err := f.CheckpointStore.Close()
	if derr := f.durable.Close(); derr != nil && err == nil {
		err = derr
	}
	return err
}
