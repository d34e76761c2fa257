package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOtherBotToken = "OTg3NjU0MzIxMDk4NzY1NDMy.other.bot-token"

// rewriteTransport sends every request to target, regardless of the
// host in the request URL
type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	req.Host = t.target.Host
	return t.base.RoundTrip(req)
}

// fakeDiscord stands in for the discord REST API. Requests are counted
// by route name before the token is checked.
type fakeDiscord struct {
	srv *httptest.Server

	mu        sync.Mutex
	hits      map[string]int
	lastQuery map[string]url.Values
	sent      []string
}

func newFakeDiscord(t testing.TB) *fakeDiscord {
	t.Helper()
	fd := &fakeDiscord{
		hits:      map[string]int{},
		lastQuery: map[string]url.Values{},
	}
	mux := http.NewServeMux()
	handle := func(pattern, name string, h http.HandlerFunc) {
		mux.HandleFunc(
			pattern, func(w http.ResponseWriter, r *http.Request) {
				fd.mu.Lock()
				fd.hits[name]++
				fd.lastQuery[name] = r.URL.Query()
				fd.mu.Unlock()

				switch r.Header.Get("Authorization") {
				case "Bot " + testBotToken, "Bot " + testOtherBotToken:
					h(w, r)
				default:
					writeTestJSON(
						w,
						http.StatusUnauthorized,
						`{"message": "401: Unauthorized", "code": 0}`,
					)
				}
			},
		)
	}

	handle(
		"GET /api/v9/users/@me/guilds", "guilds",
		func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(
				w, http.StatusOK, `[
				{"id": "G1", "name": "Guild One", "icon": "a_abc123", "owner": true,
				 "permissions": "8", "features": ["COMMUNITY"], "approximate_member_count": 42},
				{"id": "G2", "name": "Guild Two", "icon": "def456", "permissions": "0"},
				{"id": "G3", "name": "Guild Three", "icon": null, "permissions": "0"}
			]`,
			)
		},
	)
	handle(
		"GET /api/v9/users/@me", "identity",
		func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(w, http.StatusOK, `{"id": "100", "username": "dashbot", "bot": true}`)
		},
	)
	handle(
		"GET /api/v9/guilds/{guildID}/channels", "channels",
		func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(
				w, http.StatusOK, `[
				{"id": "CAT2", "name": "Voice", "type": 4, "position": 2},
				{"id": "CAT1", "name": "Text", "type": 4, "position": 1},
				{"id": "C2", "name": "random", "type": 0, "position": 2, "parent_id": "CAT1"},
				{"id": "C1", "name": "general", "type": 0, "position": 1, "parent_id": "CAT1",
				 "topic": "say hi", "rate_limit_per_user": 5},
				{"id": "V1", "name": "Lounge", "type": 2, "position": 1, "parent_id": "CAT2",
				 "bitrate": 64000, "user_limit": 10},
				{"id": "C0", "name": "rules", "type": 0, "position": 0, "parent_id": null},
				{"id": "T1", "name": "a thread", "type": 11, "position": 0, "parent_id": "C1"}
			]`,
			)
		},
	)
	handle(
		"GET /api/v9/guilds/{guildID}/members/{userID}", "member",
		func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("userID") != "U1" {
				writeTestJSON(w, http.StatusNotFound, `{"message": "Unknown Member", "code": 10007}`)
				return
			}
			writeTestJSON(
				w, http.StatusOK,
				`{"user": {"id": "U1", "username": "alice"}, "nick": "al", "roles": ["R1"],
				  "joined_at": "2024-01-02T03:04:05Z"}`,
			)
		},
	)
	handle(
		"GET /api/v9/guilds/{guildID}/emojis", "emojis",
		func(w http.ResponseWriter, r *http.Request) {
			switch r.PathValue("guildID") {
			case "RL":
				w.Header().Set("Retry-After", "7")
				writeTestJSON(
					w,
					http.StatusTooManyRequests,
					`{"message": "You are being rate limited.", "retry_after": 7, "global": false}`,
				)
				return
			case "RLH":
				// hint only in the headers
				w.Header().Set("Retry-After", "10")
				w.Header().Set("X-RateLimit-Bucket", "emoji-bucket")
				writeTestJSON(
					w,
					http.StatusTooManyRequests,
					`{"message": "You are being rate limited.", "global": false}`,
				)
				return
			case "RLX":
				// an edge proxy's error page
				w.Header().Set("Retry-After", "5")
				w.Header().Set("Content-Type", "text/html")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte("<html><body><h1>429 Too Many Requests</h1></body></html>"))
				return
			}
			writeTestJSON(
				w, http.StatusOK,
				`[{"id": "E1", "name": "wave", "animated": true}, {"id": "E2", "name": "cat"}]`,
			)
		},
	)
	handle(
		"GET /api/v9/guilds/{guildID}/emojis/{emojiID}", "emoji",
		func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("emojiID") != "E1" {
				writeTestJSON(w, http.StatusNotFound, `{"message": "Unknown Emoji", "code": 10014}`)
				return
			}
			writeTestJSON(w, http.StatusOK, `{"id": "E1", "name": "wave", "animated": true}`)
		},
	)
	handle(
		"GET /api/v9/guilds/{guildID}/stickers", "stickers",
		func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(
				w, http.StatusOK, `[
				{"id": "S1", "name": "static", "format_type": 1},
				{"id": "S2", "name": "animated", "format_type": 2},
				{"id": "S3", "name": "lottie", "format_type": 3},
				{"id": "S4", "name": "gif", "format_type": 4}
			]`,
			)
		},
	)
	handle(
		"GET /api/v9/guilds/{guildID}/stickers/{stickerID}", "sticker",
		func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("stickerID") != "S3" {
				writeTestJSON(w, http.StatusNotFound, `{"message": "Unknown Sticker", "code": 10060}`)
				return
			}
			writeTestJSON(
				w, http.StatusOK,
				`{"id": "S3", "name": "lottie", "format_type": 3, "guild_id": "`+r.PathValue("guildID")+`"}`,
			)
		},
	)
	handle(
		"GET /api/v9/channels/{channelID}/messages", "messages",
		func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(
				w, http.StatusOK, `[
				{"id": "3", "channel_id": "C1", "content": "third", "author": {"id": "U1", "username": "alice"}},
				{"id": "2", "channel_id": "C1", "content": "second", "author": {"id": "U1", "username": "alice"}},
				{"id": "1", "channel_id": "C1", "content": "first", "author": {"id": "U1", "username": "alice"}}
			]`,
			)
		},
	)
	handle(
		"POST /api/v9/channels/{channelID}/messages", "send",
		func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Content string `json:"content"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeTestJSON(w, http.StatusBadRequest, `{"message": "bad body", "code": 50109}`)
				return
			}
			fd.mu.Lock()
			fd.sent = append(fd.sent, body.Content)
			fd.mu.Unlock()

			resp, _ := json.Marshal(
				map[string]any{
					"id":         "M9",
					"channel_id": r.PathValue("channelID"),
					"content":    body.Content,
				},
			)
			writeTestJSON(w, http.StatusOK, string(resp))
		},
	)

	fd.srv = httptest.NewServer(mux)
	t.Cleanup(fd.srv.Close)
	return fd
}

func writeTestJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// Client returns an HTTP client which sends discord API requests to
// the fake server
func (fd *fakeDiscord) Client() *http.Client {
	target, _ := url.Parse(fd.srv.URL)
	return &http.Client{
		Transport: rewriteTransport{target: target, base: http.DefaultTransport},
		Timeout:   5 * time.Second,
	}
}

func (fd *fakeDiscord) Hits(name string) int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.hits[name]
}

func (fd *fakeDiscord) LastQuery(name string) url.Values {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.lastQuery[name]
}

func (fd *fakeDiscord) Sent() []string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]string(nil), fd.sent...)
}

func newTestSession(t testing.TB, fd *fakeDiscord) DiscordSession {
	t.Helper()
	s, err := newDiscordSession(testBotToken, fd.Client(), discardLogger(), slog.LevelWarn)
	require.NoError(t, err)
	return s
}

func TestNewDiscordSession_MissingToken(t *testing.T) {
	_, err := newDiscordSession("", nil, discardLogger(), slog.LevelWarn)
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestDiscordSession_SetLogLevel(t *testing.T) {
	fd := newFakeDiscord(t)
	s := newTestSession(t, fd)

	require.NoError(t, s.SetLogLevel(slog.LevelDebug))
	assert.Equal(t, discordgo.LogDebug, s.session.LogLevel)

	require.NoError(t, s.SetLogLevel(slog.LevelError))
	assert.Equal(t, discordgo.LogError, s.session.LogLevel)

	assert.Error(t, s.SetLogLevel(slog.Level(2)))
}

func TestDiscordSession_GuildStickers(t *testing.T) {
	fd := newFakeDiscord(t)
	s := newTestSession(t, fd)
	ctx := context.Background()

	stickers, err := s.GuildStickers("G1", requestOptions(ctx, 0)...)
	require.NoError(t, err)
	require.Len(t, stickers, 4)
	assert.Equal(t, "S1", stickers[0].ID)
	assert.Equal(t, discordgo.StickerFormatTypeLottie, stickers[2].FormatType)

	sticker, err := s.GuildSticker("G1", "S3", requestOptions(ctx, 0)...)
	require.NoError(t, err)
	assert.Equal(t, "G1", sticker.GuildID)

	_, err = s.GuildSticker("G1", "S404", requestOptions(ctx, 0)...)
	var restErr *discordgo.RESTError
	require.ErrorAs(t, err, &restErr)
	assert.Equal(t, http.StatusNotFound, restErr.Response.StatusCode)
}

func TestDiscordSession_RateLimitNotRetried(t *testing.T) {
	fd := newFakeDiscord(t)
	s := newTestSession(t, fd)

	_, err := s.GuildEmojis("RL", requestOptions(context.Background(), 0)...)
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 7*time.Second, rle.RetryAfter)
	assert.Equal(t, 1, fd.Hits("emojis"))
}

func TestDiscordSession_RateLimitHeaders(t *testing.T) {
	testCases := []struct {
		guildID    string
		retryAfter time.Duration
		bucket     string
	}{
		{guildID: "RLH", retryAfter: 10 * time.Second, bucket: "emoji-bucket"},
		{guildID: "RLX", retryAfter: 5 * time.Second},
	}
	for _, tc := range testCases {
		t.Run(
			tc.guildID, func(t *testing.T) {
				fd := newFakeDiscord(t)
				s := newTestSession(t, fd)

				_, err := s.GuildEmojis(tc.guildID, requestOptions(context.Background(), 0)...)
				var rle *RateLimitedError
				require.ErrorAs(t, err, &rle)
				assert.Equal(t, tc.retryAfter, rle.RetryAfter)
				assert.Equal(t, tc.bucket, rle.Bucket)
				assert.Equal(t, 1, fd.Hits("emojis"))
			},
		)
	}
}

func TestRateLimitedFromResponse(t *testing.T) {
	testCases := []struct {
		name       string
		header     http.Header
		body       string
		retryAfter time.Duration
		global     bool
	}{
		{
			name:       "header wins over body",
			header:     http.Header{"Retry-After": {"10"}},
			body:       `{"retry_after": 2.5}`,
			retryAfter: 10 * time.Second,
		},
		{
			name:       "fractional body",
			header:     http.Header{},
			body:       `{"retry_after": 2.5, "global": true}`,
			retryAfter: 2500 * time.Millisecond,
			global:     true,
		},
		{
			name:       "reset after",
			header:     http.Header{"X-Ratelimit-Reset-After": {"1.5"}},
			body:       `not json`,
			retryAfter: 1500 * time.Millisecond,
		},
		{
			name:       "global header",
			header:     http.Header{"X-Ratelimit-Global": {"true"}, "Retry-After": {"3"}},
			retryAfter: 3 * time.Second,
			global:     true,
		},
		{
			name:       "no hint",
			header:     http.Header{"Retry-After": {"soon"}},
			body:       `<html></html>`,
			retryAfter: DefaultRetryAfter,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				rle := rateLimitedFromResponse("GET /emojis", tc.header, []byte(tc.body))
				assert.Equal(t, tc.retryAfter, rle.RetryAfter)
				assert.Equal(t, tc.global, rle.Global)
				assert.Equal(t, "GET /emojis", rle.Op)
			},
		)
	}
}

func TestWithRateLimitTransport(t *testing.T) {
	client := &http.Client{Timeout: time.Second}
	wrapped := withRateLimitTransport(client)
	assert.Nil(t, client.Transport)
	assert.Equal(t, time.Second, wrapped.Timeout)
	_, ok := wrapped.Transport.(rateLimitTransport)
	assert.True(t, ok)
	assert.Same(t, wrapped, withRateLimitTransport(wrapped))

	assert.Equal(t, DefaultDiscordHTTPTimeout, withRateLimitTransport(nil).Timeout)
}
