package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DiscordSessionHandler defines the REST methods of `discordgo.Session`
// used by the dashboard, to enable testing/mocking.
type DiscordSessionHandler interface {
	// UserGuilds lists the guilds the bot is a member of
	UserGuilds(
		limit int,
		beforeID, afterID string,
		withCounts bool,
		options ...discordgo.RequestOption,
	) ([]*discordgo.UserGuild, error)

	// User returns the user with the given ID. '@me' is the bot itself.
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)

	GuildMember(
		guildID, userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildEmojis(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Emoji, error)

	GuildEmoji(
		guildID, emojiID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Emoji, error)

	// GuildStickers lists a guild's custom stickers
	GuildStickers(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Sticker, error)

	GuildSticker(
		guildID, stickerID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Sticker, error)

	// ChannelMessages returns up to limit messages, newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID, afterID, aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetLogLevel sets the log level of the underlying discordgo session
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// newDiscordSession creates a REST-only session for the given bot token.
// The session's state cache is disabled, since every read goes through
// the dashboard's own caches.
func newDiscordSession(
	token string,
	client *http.Client,
	logger *slog.Logger,
	logLevel slog.Level,
) (DiscordSession, error) {
	if token == "" {
		return DiscordSession{}, ErrMissingCredential
	}
	if logger == nil {
		logger = slog.Default()
	}
	session := DiscordSession{
		logger: logger.With(
			loggerNameKey, "discord_session_handler",
			"token", tokenFingerprint(token),
		),
	}
	disc, err := discordgo.New("Bot " + token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	disc.ShouldRetryOnRateLimit = false
	if client != nil {
		disc.Client = client
	}
	disc.Client = withRateLimitTransport(disc.Client)
	session.session = disc

	if err = session.SetLogLevel(logLevel); err != nil {
		return session, err
	}
	return session, nil
}

func (d DiscordSession) UserGuilds(
	limit int,
	beforeID, afterID string,
	withCounts bool,
	options ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	guilds, err := d.session.UserGuilds(limit, beforeID, afterID, withCounts, options...)
	if err != nil {
		d.logger.Warn("error fetching guilds", tint.Err(err))
	}
	return guilds, err
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	channels, err := d.session.GuildChannels(guildID, options...)
	if err != nil {
		d.logger.Warn(
			"error fetching channels",
			tint.Err(err),
			"guild_id", guildID,
		)
	}
	return channels, err
}

func (d DiscordSession) GuildMember(
	guildID, userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildEmojis(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Emoji, error) {
	return d.session.GuildEmojis(guildID, options...)
}

func (d DiscordSession) GuildEmoji(
	guildID, emojiID string,
	options ...discordgo.RequestOption,
) (*discordgo.Emoji, error) {
	return d.session.GuildEmoji(guildID, emojiID, options...)
}

func (d DiscordSession) GuildStickers(
	guildID string,
	options ...discordgo.RequestOption,
) (st []*discordgo.Sticker, err error) {
	endpoint := discordgo.EndpointGuildStickers(guildID)
	body, err := d.session.RequestWithBucketID(
		http.MethodGet,
		endpoint,
		nil,
		endpoint,
		options...,
	)
	if err != nil {
		return nil, err
	}
	if err = discordgo.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("%w: %s", discordgo.ErrJSONUnmarshal, err)
	}
	return st, nil
}

func (d DiscordSession) GuildSticker(
	guildID, stickerID string,
	options ...discordgo.RequestOption,
) (st *discordgo.Sticker, err error) {
	body, err := d.session.RequestWithBucketID(
		http.MethodGet,
		discordgo.EndpointGuildSticker(guildID, stickerID),
		nil,
		discordgo.EndpointGuildStickers(guildID),
		options...,
	)
	if err != nil {
		return nil, err
	}
	if err = discordgo.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("%w: %s", discordgo.ErrJSONUnmarshal, err)
	}
	return st, nil
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID, afterID, aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID,
		limit,
		beforeID,
		afterID,
		aroundID,
		options...,
	)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content_length", len(content),
		)
	} else {
		d.logger.Info(
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// requestOptions are applied to every REST call. Rate limits surface
// as errors rather than being slept through, so the caller can reply
// with a retry hint.
func requestOptions(ctx context.Context, restRetries int) []discordgo.RequestOption {
	return []discordgo.RequestOption{
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(restRetries),
	}
}

const (
	headerRateLimitBucket     = "X-RateLimit-Bucket"
	headerRateLimitResetAfter = "X-RateLimit-Reset-After"
	headerRateLimitGlobal     = "X-RateLimit-Global"

	// rateLimitBodyLimit caps how much of a 429 body is read for its
	// retry_after field
	rateLimitBodyLimit = 64 << 10
)

// rateLimitTransport turns 429 responses into a *RateLimitedError before
// discordgo sees them. discordgo only reads the JSON body's retry_after,
// ignoring the Retry-After header, and fails to unmarshal non-JSON
// bodies (like a proxy's HTML error page).
type rateLimitTransport struct {
	base http.RoundTripper
}

func (t rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusTooManyRequests {
		return resp, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, rateLimitBodyLimit))
	return nil, rateLimitedFromResponse(req.Method+" "+req.URL.Path, resp.Header, body)
}

// withRateLimitTransport returns a copy of client whose transport
// reports 429s as *RateLimitedError
func withRateLimitTransport(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: DefaultDiscordHTTPTimeout}
	}
	if _, ok := client.Transport.(rateLimitTransport); ok {
		return client
	}
	c := *client
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.Transport = rateLimitTransport{base: base}
	return &c
}

// rateLimitedFromResponse builds a RateLimitedError from a 429 response.
// The hint is taken from the Retry-After header, then the body's
// retry_after, then X-RateLimit-Reset-After, and finally
// DefaultRetryAfter.
func rateLimitedFromResponse(op string, header http.Header, body []byte) *RateLimitedError {
	rle := &RateLimitedError{
		Op:         op,
		Bucket:     header.Get(headerRateLimitBucket),
		Global:     header.Get(headerRateLimitGlobal) == "true",
		RetryAfter: DefaultRetryAfter,
	}

	var payload struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	if json.Unmarshal(body, &payload) == nil {
		rle.Global = rle.Global || payload.Global
	}

	if d, ok := parseSeconds(header.Get(retryAfterHeader)); ok {
		rle.RetryAfter = d
	} else if payload.RetryAfter > 0 {
		rle.RetryAfter = time.Duration(payload.RetryAfter * float64(time.Second))
	} else if d, ok = parseSeconds(header.Get(headerRateLimitResetAfter)); ok {
		rle.RetryAfter = d
	}
	return rle
}

// parseSeconds parses a positive, possibly fractional, number of seconds
func parseSeconds(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
