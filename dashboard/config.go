//nolint:lll // struct tags can't be split
package dashboard

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix    = "DFB_ENV_PREFIX"
	DefaultEnvPrefix      = "DFB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "dashboard.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second
	// DefaultShutdownTimeout is the grace period given to open requests
	// and relay connections before they're closed
	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 20 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"

	DefaultCacheBackend       = cacheBackendMemory
	DefaultCacheSweepInterval = 30 * time.Second
	DefaultSessionIdleTTL     = 30 * time.Minute

	DefaultDiscordHTTPTimeout = 20 * time.Second
	DefaultDiscordSendRate    = 1.0
	DefaultDiscordSendBurst   = 5
	DefaultDiscordRESTRetries = 1

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultGatewayLogLevel   = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultCacheLogLevel     = slog.LevelInfo

	DefaultRelayMaxMessageSize = 4096
	DefaultRelayPongWait       = 60 * time.Second
	DefaultRelaySendBuffer     = 256

	discordMaxMessageLength = 2000
	cacheBackendMemory      = "memory"
	cacheBackendRedis       = "redis"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"X-Requested-With",
		"Cache-Control",
		botTokenHeader,
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Retry-After",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var (
	structValidator = validator.New()
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// Cache configures the per-resource caches in front of the REST API
	Cache *CacheConfig `yaml:"cache" mapstructure:"cache" json:"cache" binding:"required"`

	// Gateway configures realtime gateway connections
	Gateway *GatewayConfig `yaml:"gateway" mapstructure:"gateway" json:"gateway" binding:"required"`

	// Discord configures REST calls to Discord
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the service has to
	// initialize. If this is passed, startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, all connections are forcibly closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// CacheConfig selects the cache backend and the lifetime of each
// resource cache.
type CacheConfig struct {
	// Backend is either 'memory' or 'redis'
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=memory redis"`

	Redis RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// SweepInterval is how often expired entries are removed. Reads
	// never depend on the sweep having run.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval" binding:"min=1s"`

	// SessionIdleTTL is how long an unused per-token REST session is kept
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl" mapstructure:"session_idle_ttl" json:"session_idle_ttl" binding:"min=1m"`

	TTL CacheTTLConfig `yaml:"ttl" mapstructure:"ttl" json:"ttl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// CacheTTLConfig sets the TTL of each resource cache
type CacheTTLConfig struct {
	Guilds        time.Duration `yaml:"guilds" mapstructure:"guilds" json:"guilds" binding:"min=1s"`
	Channels      time.Duration `yaml:"channels" mapstructure:"channels" json:"channels" binding:"min=1s"`
	Members       time.Duration `yaml:"members" mapstructure:"members" json:"members" binding:"min=1s"`
	GuildStickers time.Duration `yaml:"guild_stickers" mapstructure:"guild_stickers" json:"guild_stickers" binding:"min=1s"`
	Sticker       time.Duration `yaml:"sticker" mapstructure:"sticker" json:"sticker" binding:"min=1s"`
	Emojis        time.Duration `yaml:"emojis" mapstructure:"emojis" json:"emojis" binding:"min=1s"`
	Emoji         time.Duration `yaml:"emoji" mapstructure:"emoji" json:"emoji" binding:"min=1s"`
}

// RedisConfig is used when [CacheConfig.Backend] is 'redis'
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr" json:"addr"`
	Username string `yaml:"username" mapstructure:"username" json:"username"`
	Password string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	DB       int    `yaml:"db" mapstructure:"db" json:"db" binding:"min=0"`
}

func validateCacheConfig(sl validator.StructLevel) {
	c := sl.Current().Interface().(CacheConfig)
	if c.Backend == cacheBackendRedis && c.Redis.Addr == "" {
		sl.ReportError(c.Redis.Addr, "Addr", "addr", "required_if", "redis")
	}
}

// GatewayConfig configures gateway connections, both the ones opened on
// behalf of relay clients and the optional primary connection used to
// record messages.
type GatewayConfig struct {
	// URL of the gateway, including version and encoding
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`

	// Intents sent with identify
	Intents discordgo.Intent `yaml:"intents" mapstructure:"intents" json:"intents" binding:"min=0"`

	// ReconnectBaseDelay is the delay before the first reconnect attempt.
	// Each following attempt doubles it.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay" mapstructure:"reconnect_base_delay" json:"reconnect_base_delay" binding:"min=10ms"`

	// ReconnectMaxAttempts is the number of consecutive reconnect attempts
	// before the connection is marked as failed
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts" mapstructure:"reconnect_max_attempts" json:"reconnect_max_attempts" binding:"min=0"`

	// Token, if set, opens a primary connection at startup whose
	// MESSAGE_CREATE events are stored in the database. Only read from
	// the environment or a config file, and never persisted.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Relay configures the browser-facing websocket endpoint
	Relay RelayConfig `yaml:"relay" mapstructure:"relay" json:"relay"`
}

// RelayConfig configures the /api/events websocket
type RelayConfig struct {
	MaxMessageSize int64         `yaml:"max_message_size" mapstructure:"max_message_size" json:"max_message_size" binding:"min=512"`
	PongWait       time.Duration `yaml:"pong_wait" mapstructure:"pong_wait" json:"pong_wait" binding:"min=1s"`
	SendBuffer     int           `yaml:"send_buffer" mapstructure:"send_buffer" json:"send_buffer" binding:"min=1"`
}

// DiscordConfig configures REST calls made against the Discord API
type DiscordConfig struct {
	// HTTPTimeout applies to every REST request
	HTTPTimeout time.Duration `yaml:"http_timeout" mapstructure:"http_timeout" json:"http_timeout" binding:"min=1s"`

	// RESTRetries is the number of retries on a 502 from Discord
	RESTRetries int `yaml:"rest_retries" mapstructure:"rest_retries" json:"rest_retries" binding:"min=0,max=5"`

	// SendRate is the sustained number of messages per second a single
	// token may send through the dashboard
	SendRate float64 `yaml:"send_rate" mapstructure:"send_rate" json:"send_rate" binding:"gt=0"`

	// SendBurst is the number of messages a token may send at once
	SendBurst int `yaml:"send_burst" mapstructure:"send_burst" json:"send_burst" binding:"min=1"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Development enables pprof and allows purging every cache regardless
	// of the token supplied
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultCacheTTLConfig returns the TTL of each resource cache, as
// the dashboard has always used them.
func DefaultCacheTTLConfig() CacheTTLConfig {
	return CacheTTLConfig{
		Guilds:        DefaultGuildsCacheTTL,
		Channels:      DefaultChannelsCacheTTL,
		Members:       DefaultMembersCacheTTL,
		GuildStickers: DefaultGuildStickersCacheTTL,
		Sticker:       DefaultStickerCacheTTL,
		Emojis:        DefaultEmojisCacheTTL,
		Emoji:         DefaultEmojiCacheTTL,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	gatewayLogLevel := &slog.LevelVar{}
	cacheLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	gatewayLogLevel.Set(DefaultGatewayLogLevel)
	cacheLogLevel.Set(DefaultCacheLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Cache: &CacheConfig{
			Backend:        DefaultCacheBackend,
			SweepInterval:  DefaultCacheSweepInterval,
			SessionIdleTTL: DefaultSessionIdleTTL,
			TTL:            DefaultCacheTTLConfig(),
			LogLevel:       cacheLogLevel,
		},
		Gateway: &GatewayConfig{
			URL:                  DefaultGatewayURL,
			Intents:              DefaultGatewayIntents,
			ReconnectBaseDelay:   DefaultReconnectBaseDelay,
			ReconnectMaxAttempts: DefaultReconnectMaxAttempts,
			LogLevel:             gatewayLogLevel,
			Relay: RelayConfig{
				MaxMessageSize: DefaultRelayMaxMessageSize,
				PongWait:       DefaultRelayPongWait,
				SendBuffer:     DefaultRelaySendBuffer,
			},
		},
		Discord: &DiscordConfig{
			HTTPTimeout:       DefaultDiscordHTTPTimeout,
			RESTRetries:       DefaultDiscordRESTRetries,
			SendRate:          DefaultDiscordSendRate,
			SendBurst:         DefaultDiscordSendBurst,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateCacheConfig, CacheConfig{})
}
