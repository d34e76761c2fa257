package dashboard

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultGuildsCacheTTL        = 60 * time.Second
	DefaultChannelsCacheTTL      = 60 * time.Second
	DefaultMembersCacheTTL       = 5 * time.Minute
	DefaultGuildStickersCacheTTL = 5 * time.Minute
	DefaultStickerCacheTTL       = 30 * time.Minute
	DefaultEmojisCacheTTL        = 60 * time.Second
	DefaultEmojiCacheTTL         = 60 * time.Second

	// DefaultMessageHistoryLimit is the number of messages returned by
	// Messages when no limit is given
	DefaultMessageHistoryLimit = 30
	maxMessageHistoryLimit     = 100

	// userGuildsLimit is the page size Discord allows for /users/@me/guilds
	userGuildsLimit = 200

	noCategoryID       = "no-category"
	noCategoryName     = "No Category"
	noCategoryPosition = -1
)

const (
	cacheNameGuilds        = "guilds"
	cacheNameIdentity      = "identity"
	cacheNameChannels      = "channels"
	cacheNameMembers       = "members"
	cacheNameGuildStickers = "guild_stickers"
	cacheNameSticker       = "sticker"
	cacheNameEmojis        = "emojis"
	cacheNameEmoji         = "emoji"
)

// Guild is a guild the bot is a member of, with its icon resolved to a
// CDN URL.
type Guild struct {
	discordgo.UserGuild
	IconURL string `json:"icon_url,omitempty"`
}

// Emoji is a custom guild emoji with its CDN URL
type Emoji struct {
	discordgo.Emoji
	URL string `json:"url"`
}

// Sticker is a guild sticker with the CDN URL matching its format
type Sticker struct {
	discordgo.Sticker
	URL string `json:"url"`
}

// ChannelCategory identifies the category a ChannelGroup belongs to
type ChannelCategory struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

type TextChannel struct {
	ID                   string                           `json:"id"`
	Name                 string                           `json:"name"`
	Type                 discordgo.ChannelType            `json:"type"`
	Topic                string                           `json:"topic"`
	Position             int                              `json:"position"`
	ParentID             string                           `json:"parent_id,omitempty"`
	NSFW                 bool                             `json:"nsfw"`
	RateLimitPerUser     int                              `json:"rate_limit_per_user"`
	LastMessageID        string                           `json:"last_message_id,omitempty"`
	PermissionOverwrites []*discordgo.PermissionOverwrite `json:"permission_overwrites"`
}

type VoiceChannel struct {
	ID                   string                           `json:"id"`
	Name                 string                           `json:"name"`
	Type                 discordgo.ChannelType            `json:"type"`
	Position             int                              `json:"position"`
	ParentID             string                           `json:"parent_id,omitempty"`
	Bitrate              int                              `json:"bitrate"`
	UserLimit            int                              `json:"user_limit"`
	PermissionOverwrites []*discordgo.PermissionOverwrite `json:"permission_overwrites"`
}

// ChannelGroup is a category with its text and voice channels, each
// sorted by position.
type ChannelGroup struct {
	Category      ChannelCategory `json:"category"`
	TextChannels  []TextChannel   `json:"text_channels"`
	VoiceChannels []VoiceChannel  `json:"voice_channels"`
}

// sweeper is the part of ResourceCache that doesn't depend on the
// value type
type sweeper interface {
	Name() string
	Sweep(ctx context.Context) (int, error)
	PurgePrefix(ctx context.Context, prefix string) (int, error)
}

// Resources serves the dashboard's REST proxy operations. Reads go
// through a per-resource cache keyed by the token's fingerprint, so
// one bot's data is never served to another.
type Resources struct {
	config         *DiscordConfig
	clock          clock.Clock
	logger         *slog.Logger
	httpClient     *http.Client
	sessionIdleTTL time.Duration
	group          singleflight.Group

	newSession func(token string) (DiscordSessionHandler, error)
	sessions   *Cache[DiscordSessionHandler]

	limiterMu    sync.Mutex
	sendLimiters *Cache[*rate.Limiter]

	guilds        ResourceCache[[]Guild]
	identity      ResourceCache[*discordgo.User]
	channels      ResourceCache[[]ChannelGroup]
	members       ResourceCache[*discordgo.Member]
	guildStickers ResourceCache[[]Sticker]
	sticker       ResourceCache[Sticker]
	emojis        ResourceCache[[]Emoji]
	emoji         ResourceCache[Emoji]

	caches []sweeper
}

func newResources(
	cfg *CacheConfig,
	discordCfg *DiscordConfig,
	redisClient redis.UniversalClient,
	clk clock.Clock,
	logger *slog.Logger,
) *Resources {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resources{
		config:         discordCfg,
		clock:          clk,
		logger:         logger.With(loggerNameKey, "resources"),
		sessionIdleTTL: cfg.SessionIdleTTL,
		httpClient:     discordCfg.httpClient,
	}
	if r.sessionIdleTTL <= 0 {
		r.sessionIdleTTL = DefaultSessionIdleTTL
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: discordCfg.HTTPTimeout}
	}
	r.newSession = func(token string) (DiscordSessionHandler, error) {
		lvl := DefaultDiscordgoLogLevel
		if discordCfg.DiscordGoLogLevel != nil {
			lvl = discordCfg.DiscordGoLogLevel.Level()
		}
		return newDiscordSession(token, r.httpClient, logger, lvl)
	}
	r.sessions = NewCache[DiscordSessionHandler]("sessions", r.sessionIdleTTL, clk)
	r.sendLimiters = NewCache[*rate.Limiter]("send_limiters", r.sessionIdleTTL, clk)

	if cfg.Backend == cacheBackendRedis && redisClient == nil {
		r.logger.Warn("redis cache backend selected without a client, using memory")
	}
	ttl := cfg.TTL
	r.guilds = newResourceCache[[]Guild](cfg, redisClient, cacheNameGuilds, ttl.Guilds, clk)
	r.identity = newResourceCache[*discordgo.User](cfg, redisClient, cacheNameIdentity, ttl.Guilds, clk)
	r.channels = newResourceCache[[]ChannelGroup](cfg, redisClient, cacheNameChannels, ttl.Channels, clk)
	r.members = newResourceCache[*discordgo.Member](cfg, redisClient, cacheNameMembers, ttl.Members, clk)
	r.guildStickers = newResourceCache[[]Sticker](
		cfg, redisClient, cacheNameGuildStickers, ttl.GuildStickers, clk,
	)
	r.sticker = newResourceCache[Sticker](cfg, redisClient, cacheNameSticker, ttl.Sticker, clk)
	r.emojis = newResourceCache[[]Emoji](cfg, redisClient, cacheNameEmojis, ttl.Emojis, clk)
	r.emoji = newResourceCache[Emoji](cfg, redisClient, cacheNameEmoji, ttl.Emoji, clk)

	r.caches = []sweeper{
		r.guilds,
		r.identity,
		r.channels,
		r.members,
		r.guildStickers,
		r.sticker,
		r.emojis,
		r.emoji,
	}
	return r
}

func newResourceCache[V any](
	cfg *CacheConfig,
	redisClient redis.UniversalClient,
	name string,
	ttl time.Duration,
	clk clock.Clock,
) ResourceCache[V] {
	if cfg.Backend == cacheBackendRedis && redisClient != nil {
		return NewRedisCache[V](redisClient, name, ttl, clk)
	}
	return NewCache[V](name, ttl, clk)
}

// cacheKey builds a composite key, always led by the token fingerprint
func cacheKey(fingerprint string, parts ...string) string {
	if len(parts) == 0 {
		return fingerprint
	}
	return fingerprint + ":" + strings.Join(parts, ":")
}

// session returns the REST session for token, creating one if needed.
// Sessions are dropped after sessionIdleTTL without use.
func (r *Resources) session(token string) (DiscordSessionHandler, string, error) {
	if token == "" {
		return nil, "", ErrMissingCredential
	}
	fp := tokenFingerprint(token)
	if s, ok := r.sessions.Lookup(fp); ok {
		r.sessions.PutTTL(fp, s, r.sessionIdleTTL)
		return s, fp, nil
	}
	s, err := r.newSession(token)
	if err != nil {
		return nil, fp, err
	}
	r.sessions.PutTTL(fp, s, r.sessionIdleTTL)
	r.logger.Debug("created discord session", "token", fp)
	return s, fp, nil
}

func (r *Resources) options(ctx context.Context) []discordgo.RequestOption {
	return requestOptions(ctx, r.config.RESTRetries)
}

// Guilds lists the guilds the bot is a member of
func (r *Resources) Guilds(ctx context.Context, token string) ([]Guild, error) {
	s, fp, err := r.session(token)
	if err != nil {
		return nil, err
	}
	return cachedFetch(
		ctx, &r.group, r.guilds, cacheKey(fp),
		func(ctx context.Context) ([]Guild, error) {
			userGuilds, err := s.UserGuilds(userGuildsLimit, "", "", true, r.options(ctx)...)
			if err != nil {
				return nil, classifyDiscordError("list guilds", "user", "@me", err)
			}
			guilds := make([]Guild, 0, len(userGuilds))
			for _, g := range userGuilds {
				guilds = append(guilds, Guild{UserGuild: *g, IconURL: guildIconURL(g.ID, g.Icon)})
			}
			return guilds, nil
		},
	)
}

// Identity returns the bot user the token belongs to
func (r *Resources) Identity(ctx context.Context, token string) (*discordgo.User, error) {
	s, fp, err := r.session(token)
	if err != nil {
		return nil, err
	}
	return cachedFetch(
		ctx, &r.group, r.identity, cacheKey(fp),
		func(ctx context.Context) (*discordgo.User, error) {
			u, err := s.User("@me", r.options(ctx)...)
			if err != nil {
				return nil, classifyDiscordError("get identity", "user", "@me", err)
			}
			return u, nil
		},
	)
}

// ValidateToken checks the token against Discord, bypassing the cache.
// A valid token's identity is cached for later Identity calls.
func (r *Resources) ValidateToken(ctx context.Context, token string) (*discordgo.User, error) {
	s, fp, err := r.session(token)
	if err != nil {
		return nil, err
	}
	u, err := s.User("@me", r.options(ctx)...)
	if err != nil {
		return nil, classifyDiscordError("validate token", "user", "@me", err)
	}
	if putErr := r.identity.Put(ctx, cacheKey(fp), u); putErr != nil {
		r.logger.WarnContext(ctx, "error caching identity", tint.Err(putErr))
	}
	return u, nil
}

// Channels returns a guild's channels grouped by category
func (r *Resources) Channels(ctx context.Context, token, guildID string) ([]ChannelGroup, error) {
	s, fp, err := r.session(token)
	if err != nil {
		return nil, err
	}
	return cachedFetch(
		ctx, &r.group, r.channels, cacheKey(fp, guildID),
		func(ctx context.Context) ([]ChannelGroup, error) {
			channels, err := s.GuildChannels(guildID, r.options(ctx)...)
			if err != nil {
				return nil, classifyDiscordError("list channels", "guild", guildID, err)
			}
			return groupChannels(channels), nil
		},
	)
}

// Member looks up a single guild member
func (r *Resources) Member(
	ctx context.Context,
	token, guildID, userID string,
) (*discordgo.Member, error) {
	if userID == "" {
		return nil, &InvalidRequestError{Field: "user_id", Reason: "required"}
	}
	s, fp, err := r.session(token)
	if err != nil {
		return nil, err
	}
	return cachedFetch(
		ctx, &r.group, r.members, cacheKey(fp, guildID, userID),
		func(ctx context.Context) (*discordgo.Member, error) {
			m, err := s.GuildMember(guildID, userID, r.options(ctx)...)
			if err != nil {
				return nil, classifyDiscordError("get member", "member", userID, err)
			}
			return m, nil
		},
	)
}

// Emojis lists a guild's custom emojis
func (r *Resources) Emojis(ctx context.Context, token, guildID string) ([]Emoji, error) {
	s, fp, err := r.session(token)
	if err != nil {
		return nil, err
	}
	return cachedFetch(
		ctx, &r.group, r.emojis, cacheKey(fp, guildID),
		func(ctx context.Context) ([]Emoji, error) {
			emojis, err := s.GuildEmojis(guildID, r.options(ctx)...)
			if err != nil {
				return nil, classifyDiscordError("list emojis", "guild", guildID, err)
			}
			out := make([]Emoji, 0, len(emojis))
			for _, e := range emojis {
				out = append(out, newEmoji(e))
			}
			return out, nil
		},
	)
}

func (r *Resources) Emoji(ctx context.Context, token, guildID, emojiID string) (Emoji, error) {
	s, fp, err := r.session(token)
	if err != nil {
		return Emoji{}, err
	}
	return cachedFetch(
		ctx, &r.group, r.emoji, cacheKey(fp, guildID, emojiID),
		func(ctx context.Context) (Emoji, error) {
			e, err := s.GuildEmoji(guildID, emojiID, r.options(ctx)...)
			if err != nil {
				return Emoji{}, classifyDiscordError("get emoji", "emoji", emojiID, err)
			}
			return newEmoji(e), nil
		},
	)
}

// Stickers lists a guild's custom stickers
func (r *Resources) Stickers(ctx context.Context, token, guildID string) ([]Sticker, error) {
	s, fp, err := r.session(token)
	if err != nil {
		return nil, err
	}
	return cachedFetch(
		ctx, &r.group, r.guildStickers, cacheKey(fp, guildID),
		func(ctx context.Context) ([]Sticker, error) {
			stickers, err := s.GuildStickers(guildID, r.options(ctx)...)
			if err != nil {
				return nil, classifyDiscordError("list stickers", "guild", guildID, err)
			}
			out := make([]Sticker, 0, len(stickers))
			for _, st := range stickers {
				out = append(out, newSticker(st))
			}
			return out, nil
		},
	)
}

func (r *Resources) Sticker(ctx context.Context, token, guildID, stickerID string) (Sticker, error) {
	s, fp, err := r.session(token)
	if err != nil {
		return Sticker{}, err
	}
	return cachedFetch(
		ctx, &r.group, r.sticker, cacheKey(fp, guildID, stickerID),
		func(ctx context.Context) (Sticker, error) {
			st, err := s.GuildSticker(guildID, stickerID, r.options(ctx)...)
			if err != nil {
				return Sticker{}, classifyDiscordError("get sticker", "sticker", stickerID, err)
			}
			return newSticker(st), nil
		},
	)
}

// Messages returns up to limit of a channel's most recent messages,
// oldest first. Messages are never cached.
func (r *Resources) Messages(
	ctx context.Context,
	token, channelID string,
	limit int,
) ([]*discordgo.Message, error) {
	s, _, err := r.session(token)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultMessageHistoryLimit
	case limit > maxMessageHistoryLimit:
		limit = maxMessageHistoryLimit
	}
	messages, err := s.ChannelMessages(channelID, limit, "", "", "", r.options(ctx)...)
	if err != nil {
		return nil, classifyDiscordError("list messages", "channel", channelID, err)
	}
	slices.Reverse(messages)
	if messages == nil {
		messages = []*discordgo.Message{}
	}
	return messages, nil
}

// SendMessage posts content to a channel. Each token is limited to
// [DiscordConfig.SendRate] messages per second, with bursts of up to
// [DiscordConfig.SendBurst].
func (r *Resources) SendMessage(
	ctx context.Context,
	token, channelID, content string,
) (*discordgo.Message, error) {
	switch {
	case strings.TrimSpace(content) == "":
		return nil, &InvalidRequestError{Field: "content", Reason: "must not be empty"}
	case utf8.RuneCountInString(content) > discordMaxMessageLength:
		return nil, &InvalidRequestError{
			Field:  "content",
			Reason: fmt.Sprintf("must be at most %d characters", discordMaxMessageLength),
		}
	}

	s, fp, err := r.session(token)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	reservation := r.sendLimiter(fp).ReserveN(now, 1)
	if !reservation.OK() {
		return nil, &RateLimitedError{Op: "send message", Bucket: "dashboard", RetryAfter: DefaultRetryAfter}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return nil, &RateLimitedError{Op: "send message", Bucket: "dashboard", RetryAfter: delay}
	}

	msg, err := s.ChannelMessageSend(channelID, content, r.options(ctx)...)
	if err != nil {
		return nil, classifyDiscordError("send message", "channel", channelID, err)
	}
	return msg, nil
}

func (r *Resources) sendLimiter(fingerprint string) *rate.Limiter {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()

	limiter, ok := r.sendLimiters.Lookup(fingerprint)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.config.SendRate), r.config.SendBurst)
	}
	r.sendLimiters.PutTTL(fingerprint, limiter, r.sessionIdleTTL)
	return limiter
}

// PurgeFingerprint drops every cached resource belonging to the token
// with the given fingerprint. An empty fingerprint purges everything.
func (r *Resources) PurgeFingerprint(ctx context.Context, fingerprint string) (int, error) {
	var errs []error
	total := 0
	for _, c := range r.caches {
		n, err := c.PurgePrefix(ctx, fingerprint)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
		total += n
	}
	r.logger.InfoContext(
		ctx,
		"purged cached resources",
		"token", fingerprint,
		"removed", total,
	)
	return total, errors.Join(errs...)
}

// Sweep removes expired entries from every cache, and drops idle
// sessions and send limiters.
func (r *Resources) Sweep(ctx context.Context) (int, error) {
	var errs []error
	total := 0
	all := append(slices.Clone(r.caches), r.sessions, r.sendLimiters)
	for _, c := range all {
		n, err := c.Sweep(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
		if n > 0 {
			r.logger.DebugContext(ctx, "swept cache", "cache", c.Name(), "removed", n)
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// guildIconURL returns the CDN URL for a guild icon hash. Animated
// icons (with an 'a_' prefix) are served as GIFs.
func guildIconURL(guildID, hash string) string {
	switch {
	case hash == "":
		return ""
	case strings.HasPrefix(hash, "a_"):
		return discordgo.EndpointGuildIconAnimated(guildID, hash)
	default:
		return discordgo.EndpointGuildIcon(guildID, hash)
	}
}

func newEmoji(e *discordgo.Emoji) Emoji {
	emoji := Emoji{Emoji: *e}
	if e.Animated {
		emoji.URL = discordgo.EndpointEmojiAnimated(e.ID)
	} else {
		emoji.URL = discordgo.EndpointEmoji(e.ID)
	}
	return emoji
}

func newSticker(s *discordgo.Sticker) Sticker {
	return Sticker{Sticker: *s, URL: stickerURL(s.ID, s.FormatType)}
}

// stickerURL returns the CDN URL for a sticker. PNG and APNG stickers
// are both served as .png, Lottie stickers as JSON.
func stickerURL(stickerID string, format discordgo.StickerFormat) string {
	ext := "png"
	switch format {
	case discordgo.StickerFormatTypeLottie:
		ext = "json"
	case discordgo.StickerFormatTypeGIF:
		ext = "gif"
	}
	return discordgo.EndpointCDN + "stickers/" + stickerID + "." + ext
}

func isTextChannel(t discordgo.ChannelType) bool {
	return t == discordgo.ChannelTypeGuildText || t == discordgo.ChannelTypeGuildNews
}

func isVoiceChannel(t discordgo.ChannelType) bool {
	return t == discordgo.ChannelTypeGuildVoice || t == discordgo.ChannelTypeGuildStageVoice
}

func byPosition(a, b *discordgo.Channel) int {
	return cmp.Compare(a.Position, b.Position)
}

// groupChannels groups text and voice channels under their categories,
// ordered by position. Channels without a parent are collected in a
// leading "No Category" group, which is omitted when empty.
func groupChannels(channels []*discordgo.Channel) []ChannelGroup {
	var categories []*discordgo.Channel
	byParent := map[string][]*discordgo.Channel{}
	for _, ch := range channels {
		switch {
		case ch.Type == discordgo.ChannelTypeGuildCategory:
			categories = append(categories, ch)
		case isTextChannel(ch.Type), isVoiceChannel(ch.Type):
			byParent[ch.ParentID] = append(byParent[ch.ParentID], ch)
		}
	}
	slices.SortStableFunc(categories, byPosition)

	groups := make([]ChannelGroup, 0, len(categories)+1)
	if orphans := byParent[""]; len(orphans) > 0 {
		groups = append(
			groups,
			newChannelGroup(
				ChannelCategory{ID: noCategoryID, Name: noCategoryName, Position: noCategoryPosition},
				orphans,
			),
		)
	}
	for _, cat := range categories {
		groups = append(
			groups,
			newChannelGroup(
				ChannelCategory{ID: cat.ID, Name: cat.Name, Position: cat.Position},
				byParent[cat.ID],
			),
		)
	}
	return groups
}

func newChannelGroup(category ChannelCategory, channels []*discordgo.Channel) ChannelGroup {
	sorted := slices.Clone(channels)
	slices.SortStableFunc(sorted, byPosition)

	group := ChannelGroup{
		Category:      category,
		TextChannels:  []TextChannel{},
		VoiceChannels: []VoiceChannel{},
	}
	for _, ch := range sorted {
		if isTextChannel(ch.Type) {
			group.TextChannels = append(
				group.TextChannels, TextChannel{
					ID:                   ch.ID,
					Name:                 ch.Name,
					Type:                 ch.Type,
					Topic:                ch.Topic,
					Position:             ch.Position,
					ParentID:             ch.ParentID,
					NSFW:                 ch.NSFW,
					RateLimitPerUser:     ch.RateLimitPerUser,
					LastMessageID:        ch.LastMessageID,
					PermissionOverwrites: ch.PermissionOverwrites,
				},
			)
			continue
		}
		group.VoiceChannels = append(
			group.VoiceChannels, VoiceChannel{
				ID:                   ch.ID,
				Name:                 ch.Name,
				Type:                 ch.Type,
				Position:             ch.Position,
				ParentID:             ch.ParentID,
				Bitrate:              ch.Bitrate,
				UserLimit:            ch.UserLimit,
				PermissionOverwrites: ch.PermissionOverwrites,
			},
		)
	}
	return group
}
