package featureflags

import (
	"context"
	"errors"
	"testing"
	"time"

	"licensing-controlplane/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type mockClient struct {
	GetEnvironmentFlagsFunc func() (flagsmith.Flags, error)
	calls                   int
}

func (m *mockClient) GetEnvironmentFlags() (flagsmith.Flags, error) {
	m.calls++
	return m.GetEnvironmentFlagsFunc()
}

func TestEnabledWithoutClientReturnsFallback(t *testing.T) {
	f := ProvideFeatureFlag(FeatureParams{Config: &config.Config{}})

	require.True(t, f.Enabled(context.Background(), AsyncPaymentWebhooks, true))
	require.False(t, f.Enabled(context.Background(), AsyncPaymentWebhooks, false))
}

func TestEnabledFetchFailureReturnsFallback(t *testing.T) {
	client := &mockClient{GetEnvironmentFlagsFunc: func() (flagsmith.Flags, error) {
		return flagsmith.Flags{}, errors.New("unreachable")
	}}
	f := &featureflag{client: client, now: time.Now}

	require.True(t, f.Enabled(context.Background(), AsyncPaymentWebhooks, true))
	require.False(t, f.Enabled(context.Background(), AsyncPaymentWebhooks, false))
	require.Equal(t, 2, client.calls)
}

func TestEnvironmentFlagsAreCached(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &mockClient{GetEnvironmentFlagsFunc: func() (flagsmith.Flags, error) {
		return flagsmith.Flags{}, nil
	}}
	f := &featureflag{client: client, now: func() time.Time { return now }}

	f.Enabled(context.Background(), AsyncPaymentWebhooks, false)
	f.Enabled(context.Background(), AsyncPaymentWebhooks, false)
	require.Equal(t, 1, client.calls)

	now = now.Add(refreshInterval)
	f.Enabled(context.Background(), AsyncPaymentWebhooks, false)
	require.Equal(t, 2, client.calls)
}
