package featureflags

import (
	"context"
	"sync"
	"time"

	"licensing-controlplane/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

const (
	// AsyncPaymentWebhooks routes verified webhook deliveries through the
	// worker queue instead of applying them in the request.
	AsyncPaymentWebhooks = "async_payment_webhooks"

	refreshInterval = 30 * time.Second
)

type FeatureFlag interface {
	Enabled(ctx context.Context, name string, fallback bool) bool
}

type flagClient interface {
	GetEnvironmentFlags() (flagsmith.Flags, error)
}

type featureflag struct {
	client flagClient

	mu        sync.Mutex
	flags     flagsmith.Flags
	fetchedAt time.Time
	loaded    bool
	now       func() time.Time
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

// ProvideFeatureFlag returns a flag source backed by Flagsmith. Without an
// api key every lookup returns its fallback.
func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	f := &featureflag{now: time.Now}
	if p.Config == nil || p.Config.Flagsmith.ApiKey == "" {
		return f
	}

	opts := []flagsmith.Option{flagsmith.WithAnalytics()}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}
	f.client = flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...)
	return f
}

// Enabled reports the environment flag state. Lookups that fail fall back
// to the last fetched flags, then to fallback.
func (s *featureflag) Enabled(ctx context.Context, name string, fallback bool) bool {
	if s.client == nil {
		return fallback
	}

	flags, ok := s.environmentFlags(ctx)
	if !ok {
		return fallback
	}

	enabled, err := flags.IsFeatureEnabled(name)
	if err != nil {
		return fallback
	}
	return enabled
}

func (s *featureflag) environmentFlags(ctx context.Context) (flagsmith.Flags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded && s.now().Sub(s.fetchedAt) < refreshInterval {
		return s.flags, true
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("failed to fetch feature flags", zap.Error(err))
		return s.flags, s.loaded
	}

	s.flags = flags
	s.fetchedAt = s.now()
	s.loaded = true
	return flags, true
}
