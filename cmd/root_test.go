package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/NanduBit/Discord-For-Bots/dashboard"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertLogLevel asserts that the value returned by viper for a log
// level setting parses to the expected level
func assertLogLevel(t testing.TB, expected slog.Level, val any) {
	t.Helper()
	var s string
	switch v := val.(type) {
	case string:
		s = v
	case fmt.Stringer:
		s = v.String()
	default:
		t.Fatalf("unexpected log level type %T", val)
	}
	lvl, err := levelStringToLevelVar(s)
	require.NoError(t, err)
	assert.Equal(t, expected, lvl.Level())
}

// restoreEnv clears the environment, restoring it when the test ends
func restoreEnv(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	restoreEnv(t)
	captureOutput(t)

	envFile := filepath.Join(t.TempDir(), "test.env")
	envContent := `
# General/database config

DFB_DATABASE=/home/foo/dashboard.sqlite3
DFB_DATABASE_TYPE=sqlite
DFB_DATABASE_LOG_LEVEL=INFO
DFB_DATABASE_SLOW_THRESHOLD=250ms
DFB_LOG_LEVEL=debug
DFB_STARTUP_TIMEOUT=15s
DFB_SHUTDOWN_TIMEOUT=60s

# Cache config

DFB_CACHE_BACKEND=redis
DFB_CACHE_REDIS_ADDR=127.0.0.1:6379
DFB_CACHE_REDIS_PASSWORD=hunter2
DFB_CACHE_REDIS_DB=2
DFB_CACHE_SWEEP_INTERVAL=10s
DFB_CACHE_SESSION_IDLE_TTL=1h
DFB_CACHE_TTL_GUILDS=2m
DFB_CACHE_TTL_STICKER=1h
DFB_CACHE_LOG_LEVEL=WARN

# Gateway

DFB_GATEWAY_TOKEN=your-discord-bot-token
DFB_GATEWAY_INTENTS=33281
DFB_GATEWAY_RECONNECT_BASE_DELAY=2s
DFB_GATEWAY_RECONNECT_MAX_ATTEMPTS=7
DFB_GATEWAY_LOG_LEVEL=ERROR
DFB_GATEWAY_RELAY_SEND_BUFFER=64

# Discord REST

DFB_DISCORD_HTTP_TIMEOUT=10s
DFB_DISCORD_REST_RETRIES=2
DFB_DISCORD_SEND_RATE=0.5
DFB_DISCORD_SEND_BURST=3
DFB_DISCORD_DISCORDGO_LOG_LEVEL=WARN

# API server

DFB_API_LISTEN=127.0.0.1:5050
DFB_API_SSL_CERT=/etc/ssl/cert.pem
DFB_API_SSL_KEY=/etc/ssl/key.pem
DFB_API_SSL_TLS_MIN_VERSION=772
DFB_API_LOG_LEVEL=DEBUG
DFB_API_DEVELOPMENT=true
DFB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:3000 https://localhost:3000
DFB_API_CORS_ALLOW_METHODS=GET POST OPTIONS
DFB_API_CORS_ALLOW_CREDENTIALS=false
DFB_API_CORS_MAX_AGE=1h
DFB_API_WRITE_TIMEOUT=10s
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0600))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/dashboard.sqlite3", viper.GetString("database"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assert.Equal(t, 250*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:3000", "https://localhost:3000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	assert.Equal(t, "/home/foo/dashboard.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 15*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "127.0.0.1:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Cache.Redis.Password)
	assert.Equal(t, 2, cfg.Cache.Redis.DB)
	assert.Equal(t, 10*time.Second, cfg.Cache.SweepInterval)
	assert.Equal(t, time.Hour, cfg.Cache.SessionIdleTTL)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL.Guilds)
	assert.Equal(t, time.Hour, cfg.Cache.TTL.Sticker)
	assert.Equal(t, dashboard.DefaultChannelsCacheTTL, cfg.Cache.TTL.Channels)
	assert.Equal(t, slog.LevelWarn, cfg.Cache.LogLevel.Level())

	assert.Equal(t, "your-discord-bot-token", cfg.Gateway.Token)
	assert.Equal(t, dashboard.DefaultGatewayURL, cfg.Gateway.URL)
	assert.Equal(t, discordgo.Intent(33281), cfg.Gateway.Intents)
	assert.Equal(t, 2*time.Second, cfg.Gateway.ReconnectBaseDelay)
	assert.Equal(t, 7, cfg.Gateway.ReconnectMaxAttempts)
	assert.Equal(t, slog.LevelError, cfg.Gateway.LogLevel.Level())
	assert.Equal(t, 64, cfg.Gateway.Relay.SendBuffer)
	assert.Equal(t, dashboard.DefaultRelayPongWait, cfg.Gateway.Relay.PongWait)

	assert.Equal(t, 10*time.Second, cfg.Discord.HTTPTimeout)
	assert.Equal(t, 2, cfg.Discord.RESTRetries)
	assert.InDelta(t, 0.5, cfg.Discord.SendRate, 0.0001)
	assert.Equal(t, 3, cfg.Discord.SendBurst)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())

	assert.Equal(t, "127.0.0.1:5050", cfg.API.Listen)
	assert.Equal(t, "tcp", cfg.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.Key)
	assert.Equal(t, uint16(772), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.True(t, cfg.API.Development)
	assert.Equal(t, 10*time.Second, cfg.API.WriteTimeout)
	assert.Equal(t, dashboard.DefaultReadTimeout, cfg.API.ReadTimeout)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:3000", "https://localhost:3000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, dashboard.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.False(t, cfg.API.CORS.AllowCredentials)
	assert.Equal(t, time.Hour, cfg.API.CORS.MaxAge)

	assert.NoError(t, dashboard.ValidateConfig(cfg))
}

func TestLevelToStringHookFunc(t *testing.T) {
	for _, s := range []string{"DEBUG", "info", "Warn", "ERROR"} {
		_, err := levelStringToLevelVar(s)
		assert.NoError(t, err, s)
	}
	_, err := levelStringToLevelVar("loud")
	assert.Error(t, err)

	hook := LevelToStringHookFunc()
	stringType := reflect.TypeOf("")
	for _, target := range []reflect.Type{
		reflect.TypeOf(slog.LevelVar{}),
		reflect.TypeOf(&slog.LevelVar{}),
	} {
		v, err := hook(stringType, target, "warn")
		require.NoError(t, err, target.String())
		lvl, ok := v.(*slog.LevelVar)
		require.True(t, ok, target.String())
		assert.Equal(t, slog.LevelWarn, lvl.Level())

		_, err = hook(stringType, target, "loud")
		assert.Error(t, err, target.String())
	}

	v, err := hook(stringType, stringType, "warn")
	require.NoError(t, err)
	assert.Equal(t, "warn", v)
}

func TestLoadConfig_AllocatedLevels(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Reset()
	viper.Set("log_level", "DEBUG")
	viper.Set("database_log_level", "error")
	viper.Set("gateway.log_level", "WARN")
	viper.Set("api.log_level", "info")
	viper.Set("cache.log_level", "debug")
	viper.Set("discord.discordgo_log_level", "ERROR")
	viper.Set("gateway.reconnect_base_delay", "3s")

	c := dashboard.DefaultConfig()
	require.NotNil(t, c.LogLevel)

	require.NoError(t, loadConfig(c))
	assert.Equal(t, slog.LevelDebug, c.LogLevel.Level())
	assert.Equal(t, slog.LevelError, c.DatabaseLogLevel.Level())
	assert.Equal(t, slog.LevelWarn, c.Gateway.LogLevel.Level())
	assert.Equal(t, slog.LevelInfo, c.API.LogLevel.Level())
	assert.Equal(t, slog.LevelDebug, c.Cache.LogLevel.Level())
	assert.Equal(t, slog.LevelError, c.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, 3*time.Second, c.Gateway.ReconnectBaseDelay)

	viper.Set("log_level", "loud")
	assert.Error(t, loadConfig(dashboard.DefaultConfig()))
}
