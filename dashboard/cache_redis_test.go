package dashboard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/singleflight"
)

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCache_PutGet(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	clk := clock.NewMock()
	c := NewRedisCache[[]*discordgo.Emoji](client, "emojis", time.Minute, clk)

	_, ok, err := c.Get(ctx, "fp:G1")
	require.NoError(t, err)
	assert.False(t, ok)

	emojis := []*discordgo.Emoji{{ID: "E1", Name: "wave"}, {ID: "E2", Name: "cat", Animated: true}}
	require.NoError(t, c.Put(ctx, "fp:G1", emojis))
	assert.True(t, mr.Exists("dfb:cache:emojis:fp:G1"))

	ttl := mr.TTL("dfb:cache:emojis:fp:G1")
	assert.Equal(t, time.Minute, ttl)

	got, ok, err := c.Get(ctx, "fp:G1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "wave", got[0].Name)
	assert.True(t, got[1].Animated)
}

func TestRedisCache_ExpiryFollowsClock(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	clk := clock.NewMock()
	c := NewRedisCache[string](client, "guilds", time.Minute, clk)

	require.NoError(t, c.Put(ctx, "fp", "guilds"))

	clk.Add(59 * time.Second)
	v, ok, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "guilds", v)

	clk.Add(time.Second)
	_, ok, err = c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisCache_ServerExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedisCache[string](client, "channels", time.Minute, clock.NewMock())

	require.NoError(t, c.Put(ctx, "fp:G1", "channels"))
	mr.FastForward(61 * time.Second)

	_, ok, err := c.Get(ctx, "fp:G1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_LastWriteWinsAndPurge(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	c := NewRedisCache[string](client, "members", 5*time.Minute, clock.NewMock())

	require.NoError(t, c.Put(ctx, "aaa:G1:U1", "v1"))
	require.NoError(t, c.Put(ctx, "aaa:G1:U1", "v2"))
	require.NoError(t, c.Put(ctx, "aaa:G1:U2", "x"))
	require.NoError(t, c.Put(ctx, "bbb:G1:U1", "y"))

	v, ok, err := c.Get(ctx, "aaa:G1:U1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", v)

	n, err := c.PurgePrefix(ctx, "aaa:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err = c.Get(ctx, "bbb:G1:U1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "bbb:G1:U1"))
	_, ok, err = c.Get(ctx, "bbb:G1:U1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_CachedFetch(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	c := NewRedisCache[string](client, "sticker", DefaultStickerCacheTTL, clock.NewMock())
	group := &singleflight.Group{}

	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		return "sticker", nil
	}
	for i := 0; i < 3; i++ {
		v, err := cachedFetch(ctx, group, ResourceCache[string](c), "fp:G1:S1", fetch)
		require.NoError(t, err)
		assert.Equal(t, "sticker", v)
	}
	assert.Equal(t, 1, calls)
}

func TestRedisCache_Unavailable(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(
		&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 100 * time.Millisecond,
			MaxRetries:  -1,
		},
	)
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCache[string](client, "guilds", time.Minute, clock.NewMock())

	_, _, err := c.Get(ctx, "fp")
	require.Error(t, err)

	v, err := cachedFetch(
		ctx,
		&singleflight.Group{},
		ResourceCache[string](c),
		"fp",
		func(context.Context) (string, error) { return "upstream", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "upstream", v)
}
