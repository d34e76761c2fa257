package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/NanduBit/Discord-For-Bots/dashboard.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Dashboard is the backend for the bot dashboard. It serves the
// cached REST proxy and realtime relay, and optionally records the
// messages seen by a primary gateway connection.
type Dashboard struct {
	config *Config
	clock  clock.Clock

	logger     *slog.Logger
	logHandler slog.Handler

	db          *gorm.DB
	messageLog  *messageLog
	notifier    Notifier
	redisClient redis.UniversalClient

	resources *Resources
	manager   *GatewayManager
	hub       *RelayHub

	// primary is the gateway opened with [GatewayConfig.Token], if set
	primary *Gateway

	api *API

	runMu     sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Dashboard
type Option func(d *Dashboard)

// WithClock sets the clock used for cache expiry, sweeps, and gateway
// timers
func WithClock(clk clock.Clock) Option {
	return func(d *Dashboard) {
		d.clock = clk
	}
}

// New validates config and builds every component. Nothing is
// connected until Run is called.
func New(config *Config, opts ...Option) (*Dashboard, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Dashboard{
		config: config,
		clock:  clock.New(),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel),
	)

	if config.Discord.httpClient == nil {
		config.Discord.httpClient = &http.Client{Timeout: config.Discord.HTTPTimeout}
	}

	if config.Cache.Backend == cacheBackendRedis {
		d.redisClient = redis.NewUniversalClient(
			&redis.UniversalOptions{
				Addrs:    []string{config.Cache.Redis.Addr},
				Username: config.Cache.Redis.Username,
				Password: config.Cache.Redis.Password,
				DB:       config.Cache.Redis.DB,
			},
		)
	}

	cacheLogger := slog.New(newLogHandler(defaultLogWriter, config.Cache.LogLevel))
	d.resources = newResources(
		config.Cache,
		config.Discord,
		d.redisClient,
		d.clock,
		cacheLogger,
	)

	gatewayLogger := slog.New(newLogHandler(defaultLogWriter, config.Gateway.LogLevel))
	d.manager = NewGatewayManager(gatewayLogger, d.gatewayOptions()...)
	d.hub = NewRelayHub(d.manager, config.Gateway.Relay, d.clock, gatewayLogger)

	if config.Gateway.Token != "" {
		d.primary = NewGateway(
			config.Gateway.Token,
			append(d.gatewayOptions(), WithGatewayLogger(gatewayLogger))...,
		)
	}

	api, err := newAPI(d, config.API)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// ValidateConfig checks config against its `binding` tags
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.New("config is required")
	}
	return structValidator.Struct(config)
}

func (d *Dashboard) gatewayOptions() []GatewayOption {
	cfg := d.config.Gateway
	return []GatewayOption{
		WithGatewayURL(cfg.URL),
		WithGatewayClock(d.clock),
		WithGatewayIntents(cfg.Intents),
		WithReconnectPolicy(cfg.ReconnectBaseDelay, cfg.ReconnectMaxAttempts),
	}
}

// CheckToken validates token against Discord using config's REST
// settings, without starting anything else
func CheckToken(ctx context.Context, config *Config, token string) (*discordgo.User, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cacheCfg := *config.Cache
	cacheCfg.Backend = cacheBackendMemory
	logger := slog.New(newLogHandler(defaultLogWriter, config.Cache.LogLevel))
	r := newResources(&cacheCfg, config.Discord, nil, clock.New(), logger)
	return r.ValidateToken(ctx, token)
}

// Ready is closed once Run has finished starting up
func (d *Dashboard) Ready() <-chan struct{} {
	return d.ready
}

// Run starts the API, the relay, the cache sweeper and the notifier
// listener, then blocks until ctx is cancelled or one of them fails.
// Startup must finish within [Config.StartupTimeout].
func (d *Dashboard) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	logger := d.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	if err := d.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return errors.Join(err, d.closeStores())
	}
	if err := d.api.Listen(startCtx); err != nil {
		return errors.Join(err, d.closeStores())
	}

	if d.primary != nil {
		d.primary.On(EventMessageCreate, "", d.messageLog.Listener())
		if err := d.primary.Connect(startCtx); err != nil {
			logger.ErrorContext(ctx, "error connecting primary gateway", tint.Err(err))
			return errors.Join(err, d.api.listener.Close(), d.closeStores())
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(
		func() error {
			err := d.api.Serve(gctx)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	)
	g.Go(func() error { return d.notifier.Listen(gctx) })
	g.Go(func() error { return d.messageLog.Run(gctx) })
	g.Go(
		func() error {
			d.sweep(gctx)
			return nil
		},
	)

	d.readyOnce.Do(func() { close(d.ready) })
	logger.InfoContext(ctx, "ready", "addr", d.api.Addr().String())

	g.Go(
		func() error {
			<-gctx.Done()
			return d.shutdown(ctx)
		},
	)

	err := g.Wait()
	return errors.Join(err, d.closeStores())
}

// initRun opens the database, and sets up the notifier and message log
func (d *Dashboard) initRun(ctx context.Context) error {
	dbHandler := newLogHandler(defaultLogWriter, d.config.DatabaseLogLevel)
	db, err := CreateDB(
		ctx,
		d.config.DatabaseType,
		d.config.Database,
		dbHandler,
		d.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.db = db
	d.messageLog = newMessageLog(db, slog.New(dbHandler))

	notifier, err := newNotifier(
		d.config.DatabaseType,
		d.config.Database,
		db,
		d.handlePurgeNotification,
		d.clock,
		d.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating notifier: %w", err)
	}
	d.notifier = notifier

	if d.redisClient != nil {
		if err = d.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("error connecting to redis: %w", err)
		}
	}
	return nil
}

func (d *Dashboard) handlePurgeNotification(ctx context.Context, fp string) {
	if _, err := d.resources.PurgeFingerprint(ctx, fp); err != nil {
		d.logger.ErrorContext(ctx, "error purging cache", tint.Err(err), "token", fp)
	}
}

// sweep removes expired cache entries every [CacheConfig.SweepInterval]
func (d *Dashboard) sweep(ctx context.Context) {
	ticker := d.clock.Ticker(d.config.Cache.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := d.resources.Sweep(ctx)
			if err != nil {
				d.logger.WarnContext(ctx, "error sweeping caches", tint.Err(err))
			}
			if removed > 0 {
				d.logger.DebugContext(ctx, "swept caches", "removed", removed)
			}
		}
	}
}

// shutdown closes relay clients and gateways, and gives in-flight
// requests until [Config.ShutdownTimeout] to finish
func (d *Dashboard) shutdown(ctx context.Context) error {
	shutdownStart := time.Now()
	d.logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", d.config.ShutdownTimeout,
	)

	closeCtx, closeCancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		d.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error

	// hijacked websocket connections aren't tracked by http.Server
	d.hub.Close()

	if err := d.api.httpServer.Shutdown(closeCtx); err != nil {
		d.logger.WarnContext(ctx, "graceful shutdown failed, closing", tint.Err(err))
		errs = append(errs, err, d.api.httpServer.Close())
	}

	if d.primary != nil {
		if err := d.primary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing primary gateway: %w", err))
		}
	}
	if err := d.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing gateways: %w", err))
	}

	d.logger.InfoContext(
		ctx,
		"shutdown complete",
		"duration", time.Since(shutdownStart),
	)
	return errors.Join(errs...)
}

// closeStores closes the database and redis connections
func (d *Dashboard) closeStores() error {
	var errs []error
	if d.db != nil {
		if sqlDB, err := d.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if d.redisClient != nil {
		errs = append(errs, d.redisClient.Close())
	}
	return errors.Join(errs...)
}
