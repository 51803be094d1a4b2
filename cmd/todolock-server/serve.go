package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-todolock/v1/api"
	"github.com/mirkobrombin/go-todolock/v1/broadcast"
	"github.com/mirkobrombin/go-todolock/v1/config"
	"github.com/mirkobrombin/go-todolock/v1/gateway"
	"github.com/mirkobrombin/go-todolock/v1/lease"
	"github.com/mirkobrombin/go-todolock/v1/metrics"
	"github.com/mirkobrombin/go-todolock/v1/relay"
	"github.com/mirkobrombin/go-todolock/v1/session"
	"github.com/mirkobrombin/go-todolock/v1/todo"
)

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// closers runs cleanups in reverse order of registration.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer cleanup.run()

	if cfg.Tracing.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		cleanup.add(func() { _ = tp.Shutdown(context.Background()) })
	}

	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With("node", nodeID)

	var rdb *redis.Client
	if cfg.Store.Backend == "redis" || cfg.Relay.RedisChannel != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup.add(func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	bopts := []broadcast.Option{
		broadcast.WithNodeID(nodeID),
		broadcast.WithLogger(logger),
		broadcast.WithQueueSize(cfg.Broadcast.QueueSize),
	}
	policy, _ := broadcast.ParseOverflowPolicy(cfg.Broadcast.OverflowPolicy)
	bopts = append(bopts, broadcast.WithOverflowPolicy(policy))

	var nc *nats.Conn
	if cfg.Relay.NATSURL != "" {
		var err error
		nc, err = nats.Connect(cfg.Relay.NATSURL, nats.Name("todolock-"+nodeID))
		if err != nil {
			return fmt.Errorf("nats %s: %w", cfg.Relay.NATSURL, err)
		}
		cleanup.add(nc.Close)
		bopts = append(bopts, broadcast.WithSink(relay.NewNATSSink(nc, relay.DefaultSubjectPrefix)))
	}
	if cfg.Relay.RedisChannel != "" {
		bopts = append(bopts, broadcast.WithSink(relay.NewRedisSink(rdb, cfg.Relay.RedisChannel)))
	}
	if len(cfg.Relay.KafkaBrokers) > 0 {
		ks, err := relay.NewKafkaSink(cfg.Relay.KafkaBrokers, cfg.Relay.KafkaTopic, nil)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		cleanup.add(func() { _ = ks.Close() })
		bopts = append(bopts, broadcast.WithSink(ks))
	}

	b := broadcast.New(bopts...)
	cleanup.add(b.Close)

	if nc != nil {
		if _, err := relay.SubscribeNATS(ctx, nc, relay.DefaultSubjectPrefix, b, logger); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
	}
	if cfg.Relay.RedisChannel != "" {
		if err := relay.SubscribeRedis(ctx, rdb, cfg.Relay.RedisChannel, b, logger); err != nil {
			return fmt.Errorf("redis subscribe: %w", err)
		}
	}

	var (
		leaseStore lease.Store
		items      todo.Store
	)
	switch cfg.Store.Backend {
	case "redis":
		leaseStore = lease.NewRedisStore(rdb)
		items = todo.NewRedisStore(rdb)
	default:
		leaseStore = lease.NewInMemoryStore()
		items = todo.NewInMemoryStore()
	}
	if cfg.Store.Cache {
		cached, err := todo.NewCachedStore(items, todo.WithCacheTTL(cfg.Store.CacheTTL))
		if err != nil {
			return fmt.Errorf("item cache: %w", err)
		}
		cleanup.add(cached.Close)
		items = cached
	}

	sessionPolicy, _ := lease.ParseSessionPolicy(cfg.Lease.SessionPolicy)
	leases := lease.NewManager(leaseStore,
		lease.WithPublisher(b),
		lease.WithLogger(logger),
		lease.WithDuration(cfg.Lease.Duration),
		lease.WithSessionPolicy(sessionPolicy),
	)
	sessions := session.NewRegistry(leases, session.WithLogger(logger))
	gw := gateway.New(leases, items,
		gateway.WithPublisher(b),
		gateway.WithLockScope(gateway.LockScopePolicy{BypassFields: cfg.LockScope.BypassFields}),
		gateway.WithLogger(logger),
	)

	// Sessions outlive the signal so shutdown releases their leases in order.
	base, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	cleanup.add(cancelBase)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(api.Deps{
			Base:     base,
			Gateway:  gw,
			Sessions: sessions,
			Events:   b,
			Metrics:  reg,
			Logger:   logger,
		}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("todolock: listening", "addr", cfg.HTTP.Addr, "backend", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("todolock: shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return shutdown(sctx, srv, sessions, b, logger)
	})
	return g.Wait()
}

type (
	httpServer interface {
		Shutdown(ctx context.Context) error
	}
	sessionRegistry interface {
		Close(ctx context.Context) error
	}
	eventBus interface {
		Close()
	}
)

// shutdown stops accepting requests and waits for the open ones, streams
// included, then releases the leases sessions still hold. The bus closes
// last so those releases still reach subscribers and relay sinks.
func shutdown(ctx context.Context, srv httpServer, sessions sessionRegistry, b eventBus, logger *slog.Logger) error {
	err := srv.Shutdown(ctx)
	if cerr := sessions.Close(ctx); cerr != nil {
		logger.Warn("todolock: releasing session leases failed", "error", cerr)
	}
	b.Close()
	return err
}
