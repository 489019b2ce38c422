package cmd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/secrets"
	"github.com/spigell/service-exchange/internal/store"
	"github.com/spigell/service-exchange/internal/store/pgstore"
	"github.com/spigell/service-exchange/internal/store/redisstore"
)

// openStore connects the configured backend. The returned locker guards
// per-key read-modify-write sequences; only redis shares it across processes.
func openStore(ctx context.Context, cfg *StorageConfig, logger *zap.Logger) (store.Store, store.Locker, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	log := logger.With(zap.String("backend", backend))

	switch backend {
	case "", "memory":
		log.Warn("using in-memory storage, data is lost on restart")
		return store.NewMemory(), store.NewKeyedMutex(), nil

	case "redis":
		password, err := secrets.Load(secrets.Source{
			Name:     "redis password",
			File:     cfg.Redis.PasswordFile,
			Env:      envPrefix + "_REDIS_PASSWORD",
			Optional: true,
		})
		if err != nil {
			return nil, nil, err
		}

		rs, err := redisstore.New(ctx, &redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Locker(cfg.Redis.LockTTL), nil

	case "postgres":
		dsn, err := secrets.Load(secrets.Source{
			Name: "postgres dsn",
			File: cfg.Postgres.DSNFile,
			Env:  envPrefix + "_POSTGRES_DSN",
		})
		if err != nil {
			return nil, nil, err
		}

		ps, err := pgstore.New(ctx, &pgstore.Config{DSN: dsn, Table: cfg.Postgres.Table}, log)
		if err != nil {
			return nil, nil, err
		}
		// TODO: replace with pg_advisory_xact_lock so several API replicas can share one database.
		log.Warn("postgres backend uses process-local locks, run a single API instance")
		return ps, store.NewKeyedMutex(), nil
	}

	return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
}
