package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"licensing-controlplane/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

const LicensePrefix = "LIC"

type Generator interface {
	NextLicenseKey(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
	now func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
		now: time.Now,
	}
}

// NextLicenseKey returns a code such as LIC-250114-00AK7.
func (g *RedisGenerator) NextLicenseKey(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, LicensePrefix)
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.now().UTC()
	today := now.Format("060102")
	key := rediskey.BuildDailySequenceKey(prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		_ = g.rdb.ExpireAt(ctx, key, endOfDay.Add(time.Hour)).Err()
	}

	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))

	randSuffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
