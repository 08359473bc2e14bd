// Package gateway assembles the provider runtime into an embeddable core:
// scored routing over tenant provider pools, gated execution with retries
// and fallback, and the lifecycle around them.
//
// Wiring order mirrors the data flow:
//  1. infra   — vault, store, optional Redis
//  2. runtime — breaker, limiter, KV, event bus, metrics, usage log
//  3. control — registry, router, executor
//  4. background — health prober, optional status server
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/provider-gateway/breaker"
	"github.com/nulpointcorp/provider-gateway/config"
	"github.com/nulpointcorp/provider-gateway/events"
	"github.com/nulpointcorp/provider-gateway/health"
	"github.com/nulpointcorp/provider-gateway/kv"
	"github.com/nulpointcorp/provider-gateway/metrics"
	"github.com/nulpointcorp/provider-gateway/ops"
	"github.com/nulpointcorp/provider-gateway/providers"
	"github.com/nulpointcorp/provider-gateway/ratelimit"
	"github.com/nulpointcorp/provider-gateway/registry"
	"github.com/nulpointcorp/provider-gateway/store"
	"github.com/nulpointcorp/provider-gateway/usagelog"
	"github.com/nulpointcorp/provider-gateway/vault"
)

// shutdownGrace bounds the status server drain during Close.
const shutdownGrace = 5 * time.Second

// Options inject alternative backends when embedding. Zero values select
// what the configuration implies.
type Options struct {
	// Logger receives all runtime logging. nil builds a JSON stdout
	// handler at the configured level.
	Logger *slog.Logger

	// Store overrides the default in-memory repository.
	Store store.Store

	// UsageSink overrides the request-log sink selection.
	UsageSink usagelog.Sink

	// ExtraBus is teed with the in-process event bus.
	ExtraBus events.Bus
}

// Core owns every subsystem and exposes the embedding surface: provider
// management through Registry, execution through Execute and ExecuteStream.
type Core struct {
	cfg *config.Config
	log *slog.Logger

	// rdb is nil when Redis is not configured.
	rdb *redis.Client

	store  store.Store
	vlt    *vault.Vault
	brk    breaker.Breaker
	lim    ratelimit.Limiter
	kvs    kv.KV
	inproc *events.InProc
	bus    events.Bus
	prom   *metrics.Registry
	usage  *usagelog.Logger
	rec    *metrics.Recorder
	reg    *registry.Registry
	router *Router
	exec   *Executor
	prober *health.Prober
	status *ops.Server

	closeOnce sync.Once
	closeErr  error
}

// New initialises all subsystems. Everything allocated here is released by
// Close. cfg may be nil, which selects the development defaults.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Core, error) {
	if ctx == nil {
		panic("gateway: context must not be nil")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	log := opts.Logger
	if log == nil {
		log = buildLogger(cfg.LogLevel)
	}

	c := &Core{cfg: cfg, log: log}

	steps := []struct {
		name string
		fn   func(context.Context, Options) error
	}{
		{"infra", c.initInfra},
		{"runtime", c.initRuntime},
		{"control", c.initControl},
		{"background", c.initBackground},
	}
	for _, s := range steps {
		if err := s.fn(ctx, opts); err != nil {
			c.Close()
			return nil, fmt.Errorf("gateway: init %s: %w", s.name, err)
		}
	}

	log.InfoContext(ctx, "gateway_ready",
		slog.String("environment", cfg.Environment),
		slog.Bool("redis", c.rdb != nil),
		slog.Bool("status_server", c.status != nil),
	)
	return c, nil
}

func (c *Core) initInfra(ctx context.Context, opts Options) error {
	v, err := vault.New(c.cfg.EncryptionKey, c.cfg.Environment, c.log)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	c.vlt = v

	c.store = opts.Store
	if c.store == nil {
		c.store = store.NewMemory()
	}

	if c.cfg.Redis.URL != "" {
		rdb, err := connectRedis(ctx, c.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		c.rdb = rdb
		c.log.InfoContext(ctx, "redis_connected")
	}
	return nil
}

func (c *Core) initRuntime(ctx context.Context, opts Options) error {
	c.brk = breaker.NewMemory(breaker.Config{
		Threshold: c.cfg.BreakerThreshold,
		Cooldown:  c.cfg.BreakerCooldown,
	})

	if c.rdb != nil {
		c.lim = ratelimit.NewRedis(c.rdb, c.cfg.RateLimitWindow, c.log)
		c.kvs = kv.NewRedisFromClient(c.rdb, c.log)
	} else {
		c.lim = ratelimit.NewWindow(c.cfg.RateLimitWindow)
		c.kvs = kv.NewMemory()
	}

	c.inproc = events.NewInProc(c.log)
	tee := events.Tee{c.inproc}
	if c.rdb != nil {
		tee = append(tee, events.NewRedisBus(c.rdb, events.DefaultChannel, c.log))
	}
	if opts.ExtraBus != nil {
		tee = append(tee, opts.ExtraBus)
	}
	c.bus = tee

	c.prom = metrics.New()

	sink := opts.UsageSink
	if sink == nil {
		if c.cfg.ClickHouse.Addr != "" {
			chSink, err := usagelog.NewClickHouseSink(ctx, usagelog.ClickHouseOptions{
				Addr:     c.cfg.ClickHouse.Addr,
				Database: c.cfg.ClickHouse.Database,
				Username: c.cfg.ClickHouse.Username,
				Password: c.cfg.ClickHouse.Password,
			})
			if err != nil {
				return fmt.Errorf("clickhouse: %w", err)
			}
			sink = chSink
		} else {
			sink = usagelog.NewSlogSink(c.log)
		}
	}
	usage, err := usagelog.New(ctx, sink, c.log)
	if err != nil {
		return fmt.Errorf("usage log: %w", err)
	}
	c.usage = usage

	c.rec = metrics.NewRecorder(c.store, c.prom, c.usage, c.log)
	return nil
}

func (c *Core) initControl(ctx context.Context, _ Options) error {
	reg, err := registry.New(ctx, registry.Deps{
		Store:   c.store,
		Vault:   c.vlt,
		Breaker: c.brk,
		Limiter: c.lim,
		KV:      c.kvs,
		Bus:     c.bus,
		Logger:  c.log,
	}, registry.Options{
		CallTimeout:           c.cfg.CallTimeout,
		SelfHostedCallTimeout: c.cfg.SelfHostedTimeout,
	})
	if err != nil {
		return err
	}
	c.reg = reg

	c.router = NewRouter(c.store, c.brk, c.lim, c.reg, c.rec, c.cfg.RouteCacheTTL, c.log)
	reg.SetOnMutate(c.router.Invalidate)

	c.exec = NewExecutor(c.router, c.reg, c.brk, c.lim, c.rec, c.bus, c.log)
	if c.cfg.MaxRetries > 0 {
		c.exec.maxRetries = c.cfg.MaxRetries
	}
	return nil
}

func (c *Core) initBackground(ctx context.Context, _ Options) error {
	c.prober = health.New(ctx, c.store, c.reg, c.bus, c.prom, health.Options{
		Interval: c.cfg.ProbeInterval,
		Timeout:  c.cfg.ProbeTimeout,
	}, c.log)
	c.prober.Start()

	if c.cfg.StatusAddr == "" {
		return nil
	}

	checks := []ops.Check{{
		Name: "store",
		Probe: func(ctx context.Context) error {
			_, err := c.store.ListActiveProviders(ctx)
			return err
		},
	}}
	if c.rdb != nil {
		rdb := c.rdb
		checks = append(checks, ops.Check{
			Name:  "redis",
			Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	c.status = ops.New(ops.Options{
		Addr:        c.cfg.StatusAddr,
		Snapshot:    c.prober.Snapshot,
		Checks:      checks,
		Metrics:     c.prom.Handler(),
		CORSOrigins: c.cfg.CORSOrigins,
		Logger:      c.log,
	})
	go func() {
		if err := c.status.Start(); err != nil {
			c.log.Error("status_server_failed", slog.String("error", err.Error()))
		}
	}()
	c.log.InfoContext(ctx, "status_server_listening", slog.String("addr", c.cfg.StatusAddr))
	return nil
}

// Execute routes and performs one chat completion for the tenant.
func (c *Core) Execute(ctx context.Context, tenantID string, req *providers.ChatRequest, prefs *providers.RoutePreferences) (*Result, error) {
	return c.exec.Execute(ctx, tenantID, req, prefs)
}

// ExecuteStream routes and opens one streaming chat completion.
func (c *Core) ExecuteStream(ctx context.Context, tenantID string, req *providers.ChatRequest, prefs *providers.RoutePreferences) (*StreamingResult, error) {
	return c.exec.ExecuteStream(ctx, tenantID, req, prefs)
}

// Registry manages providers and fallback chains.
func (c *Core) Registry() *registry.Registry { return c.reg }

// Events exposes the in-process bus for subscriptions.
func (c *Core) Events() *events.InProc { return c.inproc }

// Metrics exposes the Prometheus registry for embedding into a host server.
func (c *Core) Metrics() *metrics.Registry { return c.prom }

// Health reports the last completed probe sweep.
func (c *Core) Health() health.Snapshot { return c.prober.Snapshot() }

// Close releases every subsystem: intake first (status server, prober,
// router janitor, registry), then the draining sinks, then Redis. Safe to
// call more than once.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		keep := func(err error) {
			if err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}

		g := new(errgroup.Group)
		if c.status != nil {
			g.Go(func() error {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				return c.status.Shutdown(sctx)
			})
		}
		if c.prober != nil {
			g.Go(func() error {
				c.prober.Close()
				return nil
			})
		}
		keep(g.Wait())

		if c.router != nil {
			c.router.Close()
		}
		if c.reg != nil {
			c.reg.Close()
		}
		if c.usage != nil {
			keep(c.usage.Close())
		}
		if c.bus != nil {
			keep(c.bus.Close())
		}
		if c.rdb != nil {
			keep(c.rdb.Close())
		}
	})
	return c.closeErr
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

// buildLogger constructs a JSON logger for the given level string. Unknown
// levels default to INFO; debug adds source locations.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
