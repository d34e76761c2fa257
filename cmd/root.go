package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/NanduBit/Discord-For-Bots/dashboard"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = dashboard.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "discord-for-bots [flags]",
	Short: "Backend for a web dashboard that lets a Discord bot's owner browse and chat as the bot",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
}

// loadConfig decodes the viper settings into c
func loadConfig(c *dashboard.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

// LevelToStringHookFunc decodes level names like 'INFO' or 'debug' into
// a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		// mapstructure passes the element type when the destination
		// pointer is already allocated
		levelVarType := reflect.TypeOf(slog.LevelVar{})
		if t != levelVarType &&
			(t.Kind() != reflect.Ptr || t.Elem() != levelVarType) {
			return data, nil
		}
		lvlVar, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	// cobra has already printed the error
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", dashboard.DefaultDatabase)
	viper.SetDefault("database_type", dashboard.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", dashboard.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", dashboard.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", dashboard.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", dashboard.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", dashboard.DefaultShutdownTimeout)

	// Cache config
	viper.SetDefault("cache.backend", dashboard.DefaultCacheBackend)
	viper.SetDefault("cache.sweep_interval", dashboard.DefaultCacheSweepInterval)
	viper.SetDefault("cache.session_idle_ttl", dashboard.DefaultSessionIdleTTL)
	viper.SetDefault("cache.log_level", dashboard.DefaultCacheLogLevel.String())
	viper.SetDefault("cache.redis.db", 0)

	ttl := dashboard.DefaultCacheTTLConfig()
	viper.SetDefault("cache.ttl.guilds", ttl.Guilds)
	viper.SetDefault("cache.ttl.channels", ttl.Channels)
	viper.SetDefault("cache.ttl.members", ttl.Members)
	viper.SetDefault("cache.ttl.guild_stickers", ttl.GuildStickers)
	viper.SetDefault("cache.ttl.sticker", ttl.Sticker)
	viper.SetDefault("cache.ttl.emojis", ttl.Emojis)
	viper.SetDefault("cache.ttl.emoji", ttl.Emoji)

	// Gateway config
	viper.SetDefault("gateway.url", dashboard.DefaultGatewayURL)
	viper.SetDefault("gateway.intents", int(dashboard.DefaultGatewayIntents))
	viper.SetDefault("gateway.reconnect_base_delay", dashboard.DefaultReconnectBaseDelay)
	viper.SetDefault("gateway.reconnect_max_attempts", dashboard.DefaultReconnectMaxAttempts)
	viper.SetDefault("gateway.log_level", dashboard.DefaultGatewayLogLevel.String())
	viper.SetDefault("gateway.relay.max_message_size", dashboard.DefaultRelayMaxMessageSize)
	viper.SetDefault("gateway.relay.pong_wait", dashboard.DefaultRelayPongWait)
	viper.SetDefault("gateway.relay.send_buffer", dashboard.DefaultRelaySendBuffer)

	// Discord REST config
	viper.SetDefault("discord.http_timeout", dashboard.DefaultDiscordHTTPTimeout)
	viper.SetDefault("discord.rest_retries", dashboard.DefaultDiscordRESTRetries)
	viper.SetDefault("discord.send_rate", dashboard.DefaultDiscordSendRate)
	viper.SetDefault("discord.send_burst", dashboard.DefaultDiscordSendBurst)
	viper.SetDefault(
		"discord.discordgo_log_level",
		dashboard.DefaultDiscordgoLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.listen", dashboard.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", dashboard.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", dashboard.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", dashboard.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", dashboard.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", dashboard.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.ssl.tls_min_version", dashboard.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", dashboard.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", dashboard.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", dashboard.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", dashboard.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", dashboard.DefaultAPICORSAllowCredentials)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// no defaults, so these are only picked up from the environment
	fatalErr(viper.BindEnv("gateway.token"))
	fatalErr(viper.BindEnv("cache.redis.addr"))
	fatalErr(viper.BindEnv("cache.redis.username"))
	fatalErr(viper.BindEnv("cache.redis.password"))
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	envPrefix := os.Getenv(dashboard.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = dashboard.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from",
	)
}
