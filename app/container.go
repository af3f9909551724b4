package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/RezaEskandarii/hpcfire/internal/constants"
	"github.com/RezaEskandarii/hpcfire/internal/db"
	"github.com/RezaEskandarii/hpcfire/internal/gateway"
	"github.com/RezaEskandarii/hpcfire/internal/launcher"
	"github.com/RezaEskandarii/hpcfire/internal/lock"
	"github.com/RezaEskandarii/hpcfire/internal/message_broaker"
	"github.com/RezaEskandarii/hpcfire/internal/store"
	"github.com/RezaEskandarii/hpcfire/internal/store/memory"
	"github.com/RezaEskandarii/hpcfire/internal/store/postgres"
	"github.com/RezaEskandarii/hpcfire/internal/submission"
	"github.com/RezaEskandarii/hpcfire/internal/supervisor"
	"github.com/RezaEskandarii/hpcfire/types/config"
	"github.com/RezaEskandarii/hpcfire/web"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const authCacheTTL = time.Minute

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.HPCFireConfig

	// Storage connections (created once, shared by all stores)
	DB    *sql.DB
	Redis *redis.Client

	JobStore    store.JobStore
	ClientStore store.ClientStore
	LeaseStore  store.LeaseStore

	// Infrastructure
	LockManager   lock.DistributedLockManager
	MessageBroker *message_broaker.RabbitMQ

	Submitter     *submission.Submitter
	Gateway       *gateway.Service
	GatewayServer *gateway.Server
	Launcher      *launcher.Launcher
	Supervisor    *supervisor.Supervisor
	StatusServer  *web.HttpRouteHandler

	ownsDB    bool
	ownsRedis bool
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle.
func NewContainer(ctx context.Context, cfg *config.HPCFireConfig, opts ...ContainerOption) (*Container, error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}
	c := &Container{Config: cfg, DB: opt.db, Redis: opt.redis}

	if err := c.initStorage(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err := c.initBroker(); err != nil {
		c.Close()
		return nil, fmt.Errorf("init rabbitmq: %w", err)
	}
	if err := c.seedClients(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("seed gateway clients: %w", err)
	}

	executor := opt.executor
	if executor == nil {
		executor = launcher.NewProcessExecutor(cfg.Launcher.HeartbeatInterval)
	}
	c.Launcher = launcher.NewLauncher(
		launcherID(cfg.Instance),
		c.JobStore,
		executor,
		launcher.NewResourceBudget(cfg.Allocation.Nodes, cfg.Allocation.CoresPerNode, cfg.Allocation.Walltime),
		launcher.Config{
			PassInterval:    cfg.Launcher.PassInterval,
			HeartbeatGrace:  cfg.Launcher.HeartbeatGrace,
			CancelGrace:     cfg.Launcher.CancelGrace,
			PollInterval:    cfg.Launcher.PollInterval,
			OutputTailLines: constants.OutputTailLines,
		},
	)
	c.Launcher.UseLeaseStore(c.LeaseStore, cfg.Launcher.LeaseTTL)
	c.Supervisor = supervisor.NewSupervisor(c.JobStore, c.LockManager, c.Launcher, supervisor.Config{
		Schedule:       cfg.Supervisor.Schedule,
		RunningSlack:   cfg.Supervisor.RunningSlack,
		RunningTimeout: cfg.Supervisor.RunningTimeout,
		QueuedTimeout:  cfg.Supervisor.QueuedTimeout,
	})
	c.Supervisor.UseLeaseStore(c.LeaseStore)

	c.Submitter = submission.NewSubmitter(c.JobStore)
	var serviceOpts []gateway.ServiceOption
	var auth *gateway.ClientStoreAuthenticator
	if len(cfg.Gateway.Clients) > 0 {
		auth = gateway.NewClientStoreAuthenticator(c.ClientStore, authCacheTTL)
		serviceOpts = append(serviceOpts, gateway.WithAuthenticator(auth))
	}
	if limiter := c.rateLimiter(); limiter != nil {
		serviceOpts = append(serviceOpts, gateway.WithRateLimiter(limiter))
	}
	c.Gateway = gateway.NewService(c.Submitter, c.JobStore, serviceOpts...)
	c.GatewayServer = gateway.NewServer(cfg.Gateway.ListenAddr, c.Gateway, gateway.WithMaxInFlight(cfg.Gateway.MaxInFlight))

	var webAuth web.Authenticator
	if auth != nil {
		webAuth = auth
	}
	c.StatusServer = web.NewRouteHandler(c.JobStore, webAuth, cfg.StatusAddr)
	return c, nil
}

// launcherID is unique per process, so a restarted launcher never renews
// the lease of the one that died before it.
func launcherID(instance string) string {
	return instance + "-" + uuid.NewString()[:8]
}

func (c *Container) initStorage(ctx context.Context) error {
	switch c.Config.StorageDriver {
	case config.Memory:
		c.JobStore = memory.NewMemoryJobStore()
		c.ClientStore = memory.NewMemoryClientStore()
		c.LeaseStore = memory.NewMemoryLeaseStore()
		c.LockManager = lock.NewMemoryLockManager()
	case config.Postgres:
		if c.DB == nil {
			database, err := openPostgresDB(c.Config.PostgresConfig.ConnectionUrl)
			if err != nil {
				return err
			}
			c.DB = database
			c.ownsDB = true
		}
		lockManager := lock.NewPostgresDistributedLockManager(c.DB)
		if err := db.Init(c.Config.PostgresConfig.ConnectionUrl, lockManager); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		c.JobStore = postgres.NewPostgresJobStore(c.DB)
		c.ClientStore = postgres.NewPostgresClientStore(c.DB)
		c.LeaseStore = postgres.NewPostgresLeaseStore(c.DB)
		c.LockManager = lockManager
	default:
		return fmt.Errorf("unsupported storage driver: %v", c.Config.StorageDriver)
	}

	if c.Redis == nil && c.Config.RedisConfig != nil {
		rdb, err := openRedis(ctx, c.Config.RedisConfig)
		if err != nil {
			return err
		}
		c.Redis = rdb
		c.ownsRedis = true
	}
	return nil
}

func (c *Container) initBroker() error {
	mq := c.Config.RabbitMQConfig
	if mq == nil {
		return nil
	}
	exchange := mq.Exchange
	if exchange == "" {
		exchange = config.DefaultExchange
	}
	broker, err := message_broaker.NewRabbitMQ(mq.URL, exchange)
	if err != nil {
		return err
	}
	c.MessageBroker = broker
	c.JobStore = store.NewPublishingJobStore(c.JobStore, broker)
	return nil
}

func (c *Container) seedClients(ctx context.Context) error {
	for _, client := range c.Config.Gateway.Clients {
		if err := c.ClientStore.Register(ctx, client.Name, client.SecretHash); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) rateLimiter() gateway.RateLimiter {
	g := c.Config.Gateway
	if g.RateLimit <= 0 {
		return nil
	}
	if c.Redis != nil {
		return gateway.NewRedisRateLimiter(c.Redis, g.RateLimit, g.RateWindow)
	}
	return gateway.NewMemoryRateLimiter(g.RateLimit, g.RateWindow)
}

// Serve runs every component of a head node: launcher, supervisor, gateway
// transports and the status server. It returns when ctx is done or one of
// them fails.
func (c *Container) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runLauncher(gctx) })
	g.Go(func() error { return c.Supervisor.Start(gctx) })
	g.Go(func() error { return c.GatewayServer.ListenAndServe(gctx) })
	g.Go(func() error { return c.StatusServer.Serve(gctx) })
	if c.MessageBroker != nil {
		queue := c.Config.RabbitMQConfig.GatewayQueue
		if queue == "" {
			queue = config.DefaultGatewayQueue
		}
		transport := gateway.NewAMQPTransport(c.MessageBroker, queue, c.Gateway)
		g.Go(func() error { return transport.Serve(gctx) })
	}
	return g.Wait()
}

// Launch runs a compute-side launcher and supervisor only, sharing the store
// with a head node.
func (c *Container) Launch(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runLauncher(gctx) })
	g.Go(func() error { return c.Supervisor.Start(gctx) })
	return g.Wait()
}

// runLauncher keeps the rest of the group alive when the allocation simply ran out.
func (c *Container) runLauncher(ctx context.Context) error {
	err := c.Launcher.Run(ctx)
	if err == nil && ctx.Err() == nil {
		log.Printf("[LAUNCHER] %s finished its allocation", c.Launcher.ID())
	}
	return err
}

func (c *Container) Close() error {
	var errs []error
	if c.MessageBroker != nil {
		errs = append(errs, c.MessageBroker.Close())
	}
	if c.ownsRedis && c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.ownsDB && c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
