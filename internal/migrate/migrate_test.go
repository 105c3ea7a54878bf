package migrate

import (
	"context"
	"testing"

	"licensing-controlplane/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRunCreatesTables(t *testing.T) {
	db := testutil.NewTestDB(t)

	require.NoError(t, Run(context.Background(), db))
	for _, table := range []string{"licenses", "customers", "license_audit_logs", "payment_events", "housekeeping_jobs"} {
		require.True(t, db.Migrator().HasTable(table), table)
	}

	// idempotent
	require.NoError(t, Run(context.Background(), db))
}
