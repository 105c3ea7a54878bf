package sequence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T, now time.Time) (*RedisGenerator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(now)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &RedisGenerator{rdb: rdb, now: func() time.Time { return now }}, mr
}

func TestNextLicenseKeyFormat(t *testing.T) {
	now := time.Date(2025, 1, 14, 10, 0, 0, 0, time.UTC)
	gen, mr := newTestGenerator(t, now)

	first, err := gen.NextLicenseKey(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(first, "LIC-250114-001"), first)
	require.Len(t, first, len("LIC-250114-001XX"))

	second, err := gen.NextLicenseKey(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(second, "LIC-250114-002"), second)

	require.True(t, mr.Exists("seq:LIC:250114"))
	require.Greater(t, mr.TTL("seq:LIC:250114"), time.Duration(0))
}

func TestNextLicenseKeyRedisDown(t *testing.T) {
	gen, mr := newTestGenerator(t, time.Now())
	mr.Close()

	_, err := gen.NextLicenseKey(context.Background())
	require.Error(t, err)
}
