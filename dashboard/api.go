package dashboard

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/lmittmann/tint"
)

const (
	pprofPrefix            = "/debug"
	apiPrefix              = "/api"
	apiHealthCheck         = "/healthz"
	apiPathGuilds          = "/guilds"
	apiPathChannels        = "/guilds/:guildId/channels"
	apiPathMemberFind      = "/guilds/:guildId/members/find"
	apiPathEmojis          = "/guilds/:guildId/emojis"
	apiPathEmoji           = "/guilds/:guildId/emojis/:emojiId"
	apiPathStickers        = "/guilds/:guildId/stickers"
	apiPathSticker         = "/guilds/:guildId/stickers/:stickerId"
	apiPathChats           = "/channels/:channelId/chats"
	apiPathChatsSend       = "/channels/:channelId/chats/send"
	apiPathGuildChats      = "/guilds/:guildId/channels/:channelId/chats"
	apiPathGuildChatsSend  = "/guilds/:guildId/channels/:channelId/chats/send"
	apiPathValidateToken   = "/validate-token"
	apiPathIdentity        = "/identity"
	apiPathCachePurge      = "/cache/purge"
	apiPathDiscordMessages = "/discord_messages"
	apiPathEvents          = "/events"
)

const (
	xRequestIDHeader = "X-Request-ID"
	botTokenHeader   = "x-bot-token"
	retryAfterHeader = "Retry-After"

	// ginTokenKey is the gin context key holding the request's bot token
	ginTokenKey = "bot_token"
)

// API serves the dashboard's HTTP endpoints: the cached REST proxy, the
// message log, and the realtime relay.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

// newAPI builds the gin engine and HTTP server. TLS is enabled when
// both [SSLConfig.Cert] and [SSLConfig.Key] are set.
func newAPI(d *Dashboard, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger: slog.New(newLogHandler(defaultLogWriter, config.LogLevel)).With(
			loggerNameKey, "api",
		),
	}
	apiHandlers := &APIHandlers{d: d, api: api}
	api.handlers = apiHandlers

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		contextLoggerMiddleware(api.logger),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}
	r.NoRoute(
		func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)

	// the relay reads the token from the first websocket message
	r.GET(apiPrefix+apiPathEvents, apiHandlers.events)

	protected := r.Group(apiPrefix)
	protected.Use(tokenMiddleware())

	protected.GET(apiPathGuilds, apiHandlers.getGuilds)
	protected.POST(apiPathGuilds, apiHandlers.getGuilds)
	protected.GET(apiPathChannels, apiHandlers.getChannels)
	protected.GET(apiPathMemberFind, apiHandlers.findMember)
	protected.GET(apiPathEmojis, apiHandlers.getEmojis)
	protected.GET(apiPathEmoji, apiHandlers.getEmoji)
	protected.GET(apiPathStickers, apiHandlers.getStickers)
	protected.GET(apiPathSticker, apiHandlers.getSticker)
	protected.GET(apiPathChats, apiHandlers.getChats)
	protected.POST(apiPathChatsSend, apiHandlers.sendChat)
	// the guild is only part of the path, messages are keyed by channel
	protected.GET(apiPathGuildChats, apiHandlers.getChats)
	protected.POST(apiPathGuildChatsSend, apiHandlers.sendChat)
	protected.POST(apiPathValidateToken, apiHandlers.validateToken)
	protected.GET(apiPathIdentity, apiHandlers.getIdentity)
	protected.POST(apiPathCachePurge, apiHandlers.purgeCache)
	protected.GET(apiPathDiscordMessages, apiHandlers.getDiscordMessages)

	return api, nil
}

// Listen opens the API's listener, wrapping it in TLS if configured
func (a *API) Listen(ctx context.Context) error {
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return nil
}

// Serve serves HTTP until the server is shut down. Listen is called
// first if it hasn't been already.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		if err := a.Listen(ctx); err != nil {
			return err
		}
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Addr returns the listener's address, or nil if not listening
func (a *API) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// RequestMetrics returns the number of requests seen for each method
// and path
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	return metrics
}

// APIHandlers holds the HTTP handlers for the API
type APIHandlers struct {
	d   *Dashboard
	api *API
}

type httpError struct {
	Error string `json:"error"`
}

type rateLimitedReply struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type sendMessageRequest struct {
	Token   string `json:"token"`
	Content string `json:"content"`
}

type validateTokenReply struct {
	Valid bool   `json:"valid"`
	User  any    `json:"user,omitempty"`
	Error string `json:"error,omitempty"`
}

type purgeCacheRequest struct {
	// All purges every token's cache. Only honored in development.
	All bool `json:"all"`
}

type purgeCacheReply struct {
	Purged int  `json:"purged"`
	All    bool `json:"all"`
}

type chatsQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1"`
}

type memberQuery struct {
	ID string `form:"id"`
}

type healthCheckResponse struct {
	Status         string                  `json:"status"`
	Version        string                  `json:"version"`
	Gateways       int                     `json:"gateways"`
	RelayClients   int                     `json:"relay_clients"`
	PrimaryGateway *GatewayStats           `json:"primary_gateway,omitempty"`
	GatewayStats   map[string]GatewayStats `json:"gateway_stats,omitempty"`
	Requests       map[string]int          `json:"requests,omitempty"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Status:       "ok",
		Version:      Version,
		Gateways:     h.d.manager.Len(),
		RelayClients: h.d.hub.Len(),
	}
	if h.d.primary != nil {
		stats := h.d.primary.Stats()
		resp.PrimaryGateway = &stats
	}
	if h.api.config.Development {
		resp.GatewayStats = h.d.manager.Stats()
		resp.Requests = h.api.RequestMetrics()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) getGuilds(c *gin.Context) {
	guilds, err := h.d.resources.Guilds(c.Request.Context(), ginToken(c))
	if err != nil {
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, guilds)
}

func (h *APIHandlers) getChannels(c *gin.Context) {
	groups, err := h.d.resources.Channels(c.Request.Context(), ginToken(c), c.Param("guildId"))
	if err != nil {
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, groups)
}

func (h *APIHandlers) findMember(c *gin.Context) {
	var q memberQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	member, err := h.d.resources.Member(
		c.Request.Context(),
		ginToken(c),
		c.Param("guildId"),
		q.ID,
	)
	if err != nil {
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (h *APIHandlers) getEmojis(c *gin.Context) {
	emojis, err := h.d.resources.Emojis(c.Request.Context(), ginToken(c), c.Param("guildId"))
	if err != nil {
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, emojis)
}

func (h *APIHandlers) getEmoji(c *gin.Context) {
	emoji, err := h.d.resources.Emoji(
		c.Request.Context(),
		ginToken(c),
		c.Param("guildId"),
		c.Param("emojiId"),
	)
	if err != nil {
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, emoji)
}

func (h *APIHandlers) getStickers(c *gin.Context) {
	stickers, err := h.d.resources.Stickers(c.Request.Context(), ginToken(c), c.Param("guildId"))
	if err != nil {
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, stickers)
}

func (h *APIHandlers) getSticker(c *gin.Context) {
	sticker, err := h.d.resources.Sticker(
		c.Request.Context(),
		ginToken(c),
		c.Param("guildId"),
		c.Param("stickerId"),
	)
	if err != nil {
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, sticker)
}

func (h *APIHandlers) getChats(c *gin.Context) {
	var q chatsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid limit"})
		return
	}
	messages, err := h.d.resources.Messages(
		c.Request.Context(),
		ginToken(c),
		c.Param("channelId"),
		q.Limit,
	)
	if err != nil {
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *APIHandlers) sendChat(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid request body"})
		return
	}
	msg, err := h.d.resources.SendMessage(
		c.Request.Context(),
		ginToken(c),
		c.Param("channelId"),
		req.Content,
	)
	if err != nil {
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// validateToken checks the token against Discord. An unauthorized token
// is reported as invalid rather than as an error.
func (h *APIHandlers) validateToken(c *gin.Context) {
	user, err := h.d.resources.ValidateToken(c.Request.Context(), ginToken(c))
	if err != nil {
		var statusErr *UpstreamStatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized {
			c.JSON(
				http.StatusUnauthorized,
				validateTokenReply{Valid: false, Error: "invalid bot token"},
			)
			return
		}
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, validateTokenReply{Valid: true, User: user})
}

func (h *APIHandlers) getIdentity(c *gin.Context) {
	user, err := h.d.resources.Identity(c.Request.Context(), ginToken(c))
	if err != nil {
		ginReplyDiscordError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// purgeCache drops every cached resource for the caller's token, and
// notifies other instances to do the same
func (h *APIHandlers) purgeCache(c *gin.Context) {
	logger := ginContextLogger(c)
	var req purgeCacheRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid request body"})
			return
		}
	}

	fp := tokenFingerprint(ginToken(c))
	all := req.All && h.api.config.Development
	if all {
		fp = purgeAll
	}

	purged, err := h.d.resources.PurgeFingerprint(c.Request.Context(), fp)
	if err != nil {
		logger.ErrorContext(c, "error purging cache", tint.Err(err))
		ginReplyError(c, "error purging cache")
		return
	}
	if h.d.notifier != nil {
		if notifyErr := h.d.notifier.PurgeCache(c.Request.Context(), fp); notifyErr != nil {
			logger.WarnContext(c, "error notifying cache purge", tint.Err(notifyErr))
		}
	}
	c.JSON(http.StatusOK, purgeCacheReply{Purged: purged, All: all})
}

// getDiscordMessages lists messages recorded by the primary gateway.
// Only the primary gateway's own token may read them.
func (h *APIHandlers) getDiscordMessages(c *gin.Context) {
	if h.d.messageLog == nil || h.d.primary == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "message log is not enabled"})
		return
	}
	if tokenFingerprint(ginToken(c)) != h.d.primary.Fingerprint() {
		c.JSON(http.StatusForbidden, httpError{Error: "token does not own the message log"})
		return
	}

	var q DiscordMessageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	messages, err := h.d.messageLog.List(c.Request.Context(), q)
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c,
			"error getting discord messages",
			tint.Err(err),
		)
		ginReplyError(c, "error getting discord messages")
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *APIHandlers) events(c *gin.Context) {
	h.d.hub.ServeWS(c.Writer, c.Request)
}

// tokenMiddleware reads the bot token from the x-bot-token header, or
// from the 'token' field of a JSON POST body. Requests without one are
// rejected.
func tokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(botTokenHeader)
		if token == "" && c.Request.Method == http.MethodPost &&
			c.ContentType() == binding.MIMEJSON && c.Request.ContentLength != 0 {
			var body tokenRequest
			if err := c.ShouldBindBodyWith(&body, binding.JSON); err == nil {
				token = body.Token
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: ErrMissingCredential.Error()},
			)
			return
		}
		c.Set(ginTokenKey, token)
		c.Set(
			string(loggerContextKey),
			ginContextLogger(c).With("token", tokenFingerprint(token)),
		)
		c.Next()
	}
}

func ginToken(c *gin.Context) string {
	return c.GetString(ginTokenKey)
}

// ginReplyDiscordError replies with the status matching err. Rate
// limits include a Retry-After header and the same hint in the body.
func ginReplyDiscordError(c *gin.Context, err error) {
	logger := ginContextLogger(c)
	status := httpStatusForError(err)

	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) {
		retryAfter := rateLimited.RetryAfterSeconds()
		c.Header(retryAfterHeader, strconv.Itoa(retryAfter))
		logger.WarnContext(c, "rate limited", tint.Err(err), "retry_after", retryAfter)
		c.AbortWithStatusJSON(
			status,
			rateLimitedReply{Error: "rate limited, try again later", RetryAfter: retryAfter},
		)
		return
	}

	var msg string
	switch status {
	case http.StatusUnauthorized:
		if errors.Is(err, ErrMissingCredential) {
			msg = "bot token is required"
		} else {
			msg = "invalid bot token"
		}
	case http.StatusBadGateway:
		msg = "discord is unavailable, try again"
	case http.StatusGatewayTimeout:
		msg = "discord took too long to respond, try again"
	case http.StatusInternalServerError:
		msg = "internal error"
	default:
		msg = err.Error()
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(c, "request failed", tint.Err(err), "status", status)
	} else {
		logger.InfoContext(c, "request rejected", tint.Err(err), "status", status)
	}
	c.AbortWithStatusJSON(status, httpError{Error: msg})
}

// ginReplyError sends a JSON response with a message, with HTTP status
// code 500.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// requestIDMiddleware assigns a random ID to each request, set in
// the gin context and the X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// contextLoggerMiddleware sets the request logger, derived from base,
// so handlers and [ginContextLogger] share it
func contextLoggerMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), requestLogger))
		c.Next()
	}
}

// ginContextLogger returns the request's logger. Query strings are left
// out of the request attributes, so a token passed there never reaches
// the logs.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"remote_ip", c.RemoteIP(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it has been handled
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		requestLogger := ginContextLogger(c)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, route)

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

// GenerateSelfSignedCert writes a self-signed TLS certificate and
// private key for localhost to certFile and keyFile, valid from the
// current time for 1 year.
func GenerateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Discord For Bots"},
		},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		rand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()
	if err = pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()
	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}); err != nil {
		return tls.Certificate{}, err
	}

	return tls.LoadX509KeyPair(certFile, keyFile)
}
