package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow/agentflow/internal/chaos"
	"github.com/linkflow/agentflow/internal/config"
	"github.com/linkflow/agentflow/internal/crypto"
	"github.com/linkflow/agentflow/internal/events"
	"github.com/linkflow/agentflow/internal/execution/scheduler"
	"github.com/linkflow/agentflow/internal/lease"
	"github.com/linkflow/agentflow/internal/observability/metrics"
	"github.com/linkflow/agentflow/internal/queue"
	"github.com/linkflow/agentflow/internal/store"
	"github.com/linkflow/agentflow/internal/transform"
	"github.com/linkflow/agentflow/internal/worker/agent"
	"github.com/linkflow/agentflow/internal/worker/connector"
)

const eventsRecipient = "amqp"

// app holds the components shared by run and serve.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics    *metrics.Metrics
	redis      *redis.Client
	pg         *pgxpool.Pool
	store      store.WorkflowStore
	bus        *events.Bus
	forwarder  *events.AMQPForwarder
	forwardErr chan error
	connector  *connector.Connector
	transforms *transform.Registry
	executor   *scheduler.Executor
}

// newApp connects the configured backends and registers every worker.
// Without redis.url and postgres.dsn everything stays in process memory.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	var (
		leases   lease.Manager = lease.NewMemoryManager()
		waiters  queue.Queue   = queue.NewMemoryQueue(0)
		versions connector.VersionStore
	)
	if cfg.Redis.URL != "" {
		a.redis, err = connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		leases = lease.NewRedisManager(a.redis, cfg.Redis.KeyPrefix)
		waiters = queue.NewRedisQueue(a.redis, cfg.Redis.KeyPrefix)
		versions = connector.NewRedisVersionStore(a.redis, cfg.Redis.KeyPrefix)
		logger.Info("using redis for leases, queues and versions", slog.String("key_prefix", cfg.Redis.KeyPrefix))
	}

	a.store = store.NewMemoryStore()
	if cfg.Postgres.DSN != "" {
		a.pg, err = connectPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.store = store.NewCachedStore(store.NewPostgresStore(a.pg), store.DefaultCacheConfig())
		logger.Info("using postgres workflow store", slog.Int("max_conns", int(cfg.Postgres.MaxConns)))
	}

	a.bus = events.NewBus(cfg.Engine.MailboxSize, a.metrics, logger)
	if cfg.AMQP.URL != "" {
		if err = a.startForwarder(ctx); err != nil {
			return nil, err
		}
	}

	a.transforms, err = buildTransforms(cfg)
	if err != nil {
		return nil, err
	}

	a.connector = connector.New(connector.Options{
		VersionStore:  versions,
		VersionPolicy: cfg.Engine.VersionPolicy,
		Queue:         waiters,
		Metrics:       a.metrics,
		Logger:        logger,
	})
	if err = registerWorkers(ctx, cfg, a.connector, logger); err != nil {
		return nil, err
	}

	hold := lease.DefaultHoldOptions()
	hold.TTL = cfg.Engine.LeaseTTL
	hold.Wait = cfg.Engine.LeaseWait
	if cfg.Engine.LeaseRetryInterval > 0 {
		hold.RetryInterval = cfg.Engine.LeaseRetryInterval
	}

	a.executor = scheduler.New(a.connector, scheduler.Options{
		Leases:     leases,
		Lease:      hold,
		Transforms: a.transforms,
		Store:      a.store,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Logger:     logger,
	})
	return a, nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func connectPostgres(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (a *app) startForwarder(ctx context.Context) error {
	f, err := events.DialAMQP(a.cfg.AMQP.URL, a.cfg.AMQP.Exchange, a.logger)
	if err != nil {
		return err
	}
	mailbox, err := a.bus.Subscribe(eventsRecipient)
	if err != nil {
		f.Close()
		return err
	}
	a.forwarder = f
	a.forwardErr = make(chan error, 1)
	go func() {
		a.forwardErr <- f.Run(context.WithoutCancel(ctx), mailbox)
	}()
	return nil
}

// buildTransforms registers an empty schema for every configured worker,
// replaced by its entry under schemas when one exists, and compiles the
// configured rules.
func buildTransforms(cfg *config.Config) (*transform.Registry, error) {
	reg := transform.NewRegistry()
	for _, wc := range cfg.Workers {
		reg.RegisterSchema(transform.Schema{WorkerID: wc.ID})
	}
	for _, s := range cfg.Schemas {
		reg.RegisterSchema(transform.Schema{
			WorkerID:        s.Worker,
			InputFields:     s.InputFields,
			OutputFragments: s.OutputFragments,
		})
	}
	for i, t := range cfg.Transforms {
		rule, err := transform.Compile(t.Kind, t.Expr)
		if err != nil {
			return nil, fmt.Errorf("transforms[%d]: %w", i, err)
		}
		switch {
		case t.Name != "":
			reg.RegisterNamedRule(t.Name, t.Field, rule)
		case t.Source != "":
			reg.RegisterPairRule(t.Source, t.Target, t.Field, rule)
		default:
			reg.RegisterFieldRule(t.Field, rule)
		}
	}
	return reg, nil
}

// registerWorkers builds an agent per configured worker, decrypting enc:
// secrets first and wrapping it for fault injection when chaos is set.
func registerWorkers(ctx context.Context, cfg *config.Config, conn *connector.Connector, logger *slog.Logger) error {
	var enc *crypto.Encryptor
	if cfg.Secrets.MasterKey != "" {
		var err error
		enc, err = crypto.NewEncryptorFromString(cfg.Secrets.MasterKey)
		if err != nil {
			return fmt.Errorf("secrets: %w", err)
		}
	}

	kinds := agent.DefaultRegistry()
	for _, wc := range cfg.Workers {
		settings, err := enc.ResolveSecrets(wc.Config)
		if err != nil {
			return fmt.Errorf("worker %s: %w", wc.ID, err)
		}
		a, err := kinds.New(agent.Kind(wc.Kind), agent.Options{
			ID:     wc.ID,
			Config: settings,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("worker %s: %w", wc.ID, err)
		}
		if wc.Chaos != nil {
			wrapped, err := chaos.Wrap(wc.ID, a, chaos.Config{
				FailureRate: wc.Chaos.FailureRate,
				Latency:     wc.Chaos.Latency,
				Seed:        wc.Chaos.Seed,
				Logger:      logger,
			})
			if err != nil {
				return fmt.Errorf("worker %s: %w", wc.ID, err)
			}
			a = wrapped
		}
		if err := conn.Register(ctx, connector.ProfileFromConfig(wc), a); err != nil {
			return fmt.Errorf("register worker %s: %w", wc.ID, err)
		}
	}
	logger.Info("workers registered", slog.Int("count", len(cfg.Workers)))
	return nil
}

// Close releases everything newApp opened. Events still buffered for the
// broker are flushed before the connection closes.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.connector != nil {
		errs = append(errs, a.connector.Close(ctx))
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.forwarder != nil {
		select {
		case err := <-a.forwardErr:
			errs = append(errs, err)
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		errs = append(errs, a.forwarder.Close())
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
