package ticketcache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	logx "wxnotice/pkg/logx"
)

func TestRedisSuiteTicket(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	c, err := Open(Config{Driver: "redis", Addr: mr.Addr()}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	_, ok, err := c.SuiteTicket(ctx)
	require.NoError(t, err)
	require.False(t, ok, "absent key must report ok=false")

	mr.Set(DefaultKey, "ticket-1")
	got, ok, err := c.SuiteTicket(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ticket-1", got)

	mr.Set(DefaultKey, "  ")
	_, ok, err = c.SuiteTicket(ctx)
	require.NoError(t, err)
	require.False(t, ok, "blank ticket counts as absent")
}

func TestRedisCustomKeyAndPing(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	mr.Set(":1:wx_work_suite_ticket", "django-prefixed")

	r := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), ":1:wx_work_suite_ticket", logx.Nop())
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Ping(context.Background()))
	got, ok, err := r.SuiteTicket(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "django-prefixed", got)
}

func TestRedisUnavailableIsAnError(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c, err := Open(Config{Driver: "redis", Addr: addr}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, ok, err := c.SuiteTicket(context.Background())
	require.Error(t, err)
	require.False(t, ok)
}

func TestMemory(t *testing.T) {
	t.Parallel()

	c, err := Open(Config{Ticket: "seeded"}, logx.Nop())
	require.NoError(t, err)
	got, ok, err := c.SuiteTicket(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "seeded", got)

	m := NewMemory()
	_, ok, _ = m.SuiteTicket(context.Background())
	require.False(t, ok)
	m.Set("t2")
	got, ok, _ = m.SuiteTicket(context.Background())
	require.True(t, ok)
	require.Equal(t, "t2", got)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "memcached"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}
