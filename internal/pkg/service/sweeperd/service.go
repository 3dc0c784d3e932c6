package sweeperd

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/geminixiang/dictrack/internal/pkg/servicectx"
	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/pkg/dictrack"
	"github.com/geminixiang/dictrack/pkg/dictrack/lock"
	"github.com/geminixiang/dictrack/pkg/dictrack/lock/memlock"
	lockredis "github.com/geminixiang/dictrack/pkg/dictrack/lock/redislock"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage/memory"
	storagemongo "github.com/geminixiang/dictrack/pkg/dictrack/storage/mongodb"
	storageredis "github.com/geminixiang/dictrack/pkg/dictrack/storage/redis"
	"github.com/geminixiang/dictrack/pkg/dictrack/sweep"
)

// Start builds the configured components and registers them
// in the process for graceful shutdown.
func Start(ctx context.Context, proc *servicectx.Process, cfg Config, logger *zap.Logger) error {
	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	proc.OnShutdown(func() {
		if err := backend.Close(context.Background()); err != nil {
			logger.Error("cannot close storage backend", zap.Error(err))
		}
	})

	locks, err := newLockProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	groups := make([]*dictrack.Group, 0, len(cfg.Groups))
	for _, groupCfg := range cfg.Groups {
		group, err := newGroup(ctx, groupCfg, backend, locks, logger)
		if err != nil {
			return errors.PrefixErrorf(err, `cannot create group "%s"`, groupCfg.Name)
		}
		groups = append(groups, group)
		proc.OnShutdown(func() {
			if err := group.Close(context.Background()); err != nil {
				logger.Error("cannot close group", zap.String("group", group.Name()), zap.Error(err))
			}
		})
	}

	sweepCfg := sweep.NewConfig()
	sweepCfg.Interval = cfg.SweepInterval
	sweepCfg.Logger = logger
	sweeper, err := sweep.New(sweepCfg, groups...)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	proc.OnShutdown(sweeper.Stop)

	logger.Info(
		"sweeper daemon started",
		zap.String("storage", cfg.Storage.Type),
		zap.String("locks", cfg.Locks.Type),
		zap.Int("groups", len(groups)),
		zap.Duration("interval", cfg.SweepInterval),
	)
	return nil
}

func newGroup(ctx context.Context, cfg GroupConfig, backend storage.Backend, locks lock.Provider, logger *zap.Logger) (*dictrack.Group, error) {
	groupCfg := dictrack.NewConfig(cfg.Name, backend, locks)
	if cfg.Policy != "" {
		groupCfg.Policy = cfg.Policy
	}
	groupCfg.AutoCreate = cfg.AutoCreate
	groupCfg.DefaultConditions = cfg.Conditions
	groupCfg.Limiter = cfg.Limiter
	if cfg.LockTimeout > 0 {
		groupCfg.LockTimeout = cfg.LockTimeout
	}
	if cfg.GracePeriod > 0 {
		groupCfg.GracePeriod = cfg.GracePeriod
	}
	groupCfg.Logger = logger
	groupCfg.OnCompletion = func(namespace string, key string, conditions []dictrack.ConditionSnapshot) {
		ids := make([]string, 0, len(conditions))
		for _, condition := range conditions {
			if condition.Completed {
				ids = append(ids, condition.ID)
			}
		}
		logger.Info(
			"tracker finished",
			zap.String("group", namespace),
			zap.String("key", key),
			zap.Strings("completedConditions", ids),
		)
	}
	return dictrack.NewGroup(ctx, groupCfg)
}

func newBackend(ctx context.Context, cfg Config, logger *zap.Logger) (storage.Backend, error) {
	switch cfg.Storage.Type {
	case "memory":
		logger.Warn("using the in-memory storage backend, tracker state is lost on exit")
		return memory.New(), nil
	case "redis":
		client, err := newRedisClient(ctx, cfg.Storage.Redis, logger)
		if err != nil {
			return nil, err
		}
		return storageredis.New(client), nil
	case "mongodb":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Storage.MongoDB.URI))
		if err != nil {
			return nil, errors.PrefixError(err, "cannot connect to mongodb")
		}
		err = probeConnection(ctx, "mongodb", logger, func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		})
		if err != nil {
			return nil, err
		}
		return storagemongo.New(client.Database(cfg.Storage.MongoDB.Database)), nil
	default:
		return nil, errors.Errorf(`unexpected storage type "%s"`, cfg.Storage.Type)
	}
}

func newLockProvider(ctx context.Context, cfg Config, logger *zap.Logger) (lock.Provider, error) {
	switch cfg.Locks.Type {
	case "memory":
		return memlock.NewProvider(), nil
	case "redis":
		redisCfg := cfg.Locks.Redis
		if redisCfg.Address == "" {
			// Share the storage connection settings
			redisCfg = cfg.Storage.Redis
		}
		client, err := newRedisClient(ctx, redisCfg, logger)
		if err != nil {
			return nil, err
		}
		lockCfg := lockredis.NewConfig()
		if cfg.Locks.TTL > 0 {
			lockCfg.TTL = cfg.Locks.TTL
		}
		if cfg.Locks.RetryInterval > 0 {
			lockCfg.RetryInterval = cfg.Locks.RetryInterval
		}
		return lockredis.NewProvider(client, lockCfg), nil
	default:
		return nil, errors.Errorf(`unexpected locks type "%s"`, cfg.Locks.Type)
	}
}

func newRedisClient(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	err := probeConnection(ctx, "redis", logger, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// probeConnection pings the service with an exponential backoff,
// so a daemon started before its dependencies does not crash-loop.
func probeConnection(ctx context.Context, name string, logger *zap.Logger, ping func(ctx context.Context) error) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxElapsedTime = time.Minute

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := ping(pingCtx); err != nil {
			logger.Warn(
				"connection probe failed",
				zap.String("service", name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		return nil
	}, backoff.WithContext(retry, ctx))
	if err != nil {
		return errors.PrefixErrorf(err, "cannot connect to %s", name)
	}

	logger.Info("connected", zap.String("service", name))
	return nil
}
