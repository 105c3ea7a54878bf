package audit

import (
	"context"
	"encoding/json"
	"testing"

	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/services/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAppendAndList(t *testing.T) {
	db := testutil.NewTestDB(t, &Entry{})
	svc := NewService(ServiceParams{DB: db})
	ctx := context.Background()

	require.NoError(t, svc.Append(ctx, nil, "lic-1", ActionLicenseVerified, map[string]any{"product": "suite", "version": "1.2"}))
	require.NoError(t, svc.Append(ctx, nil, "lic-1", ActionLicenseCancelled, nil))
	require.NoError(t, svc.Append(ctx, nil, "lic-2", ActionLicenseVerified, nil))

	entries, err := svc.List(ctx, "lic-1", pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	actions := []string{entries[0].Action, entries[1].Action}
	require.ElementsMatch(t, []string{ActionLicenseVerified, ActionLicenseCancelled}, actions)

	for _, e := range entries {
		if e.Action == ActionLicenseVerified {
			var details map[string]any
			require.NoError(t, json.Unmarshal(e.Details, &details))
			require.Equal(t, "suite", details["product"])
		}
	}
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	db := testutil.NewTestDB(t, &Entry{})
	svc := NewService(ServiceParams{DB: db})
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.Append(ctx, tx, "lic-1", ActionLicenseRevoked, nil))
		return gorm.ErrInvalidTransaction
	})
	require.Error(t, err)

	entries, err := svc.List(ctx, "lic-1", pagination.Pagination{})
	require.NoError(t, err)
	require.Empty(t, entries)
}
