package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/pkg/lock"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/feature"
	"licensing-controlplane/services/fingerprint"
	"licensing-controlplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	svc      *Service
	verifier *Verifier
	audit    *audit.Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &License{}, &Customer{}, &audit.Entry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Payment.BaseURL = "https://licenses.example.com"

	auditSvc := audit.NewService(audit.ServiceParams{DB: db})
	f := &fixture{
		db:    db,
		audit: auditSvc,
		now:   t0,
	}
	f.svc = NewService(ServiceParams{
		DB:     db,
		Audit:  auditSvc,
		Locker: lock.NewKeyedMutex(),
		Node:   node,
		Config: cfg,
	})
	f.svc.clock = func() time.Time { return f.now }
	f.verifier = NewVerifier(VerifierParams{
		DB:      db,
		Audit:   auditSvc,
		Deriver: fingerprint.NewDeriverWithSalt("S"),
		Config:  cfg,
	})
	f.verifier.Now = func() time.Time { return f.now }
	return f
}

func testFingerprint(t *testing.T, cpu string) string {
	t.Helper()
	fp, err := fingerprint.NewDeriverWithSalt("S").Derive(&fingerprint.HardwareInfo{CPUID: cpu, MotherboardID: "B"})
	require.NoError(t, err)
	return fp
}

func (f *fixture) create(t *testing.T, fp string, tier feature.Tier, expiresAt time.Time) *License {
	t.Helper()
	lic, err := f.svc.Create(context.Background(), CreateParams{
		Fingerprint: fp,
		Tier:        tier,
		ExpiresAt:   expiresAt,
	})
	require.NoError(t, err)
	return lic
}

func (f *fixture) auditActions(t *testing.T, licenseID string) []string {
	t.Helper()
	entries, err := f.audit.List(context.Background(), licenseID, pagination.Pagination{Limit: pagination.MaxLimit})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestCreateLicense(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")

	lic, err := f.svc.Create(context.Background(), CreateParams{
		Fingerprint: fp,
		Tier:        feature.TierProfessional,
		ExpiresAt:   t0.AddDate(0, 1, 0),
		Customer:    &CustomerInfo{Email: "Ops@Example.com", Name: "Ops"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, lic.ID)
	require.NotEmpty(t, lic.LicenseKey)
	require.Equal(t, StatusActive, lic.Status)
	require.Equal(t, SourceAdmin, lic.CreatedBy)
	require.True(t, lic.IssuedAt.Equal(t0))
	require.NotNil(t, lic.ActiveSlot)
	require.NotNil(t, lic.CustomerID)

	var customer Customer
	require.NoError(t, f.db.Where("id = ?", *lic.CustomerID).First(&customer).Error)
	require.Equal(t, "ops@example.com", customer.Email)

	require.Equal(t, []string{audit.ActionCreateManualLicense}, f.auditActions(t, lic.ID))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateParams{Fingerprint: fp, Tier: "platinum", ExpiresAt: t0.Add(time.Hour)})
	require.ErrorIs(t, err, ErrInvalidLicenseType)

	_, err = f.svc.Create(ctx, CreateParams{Fingerprint: fp, Tier: feature.TierStudent})
	require.ErrorIs(t, err, ErrExpiryRequired)

	_, err = f.svc.Create(ctx, CreateParams{Fingerprint: "not-a-fingerprint", Tier: feature.TierStudent, ExpiresAt: t0.Add(time.Hour)})
	require.ErrorIs(t, err, fingerprint.ErrInvalidFingerprint)

	_, err = f.svc.Create(ctx, CreateParams{Fingerprint: fp, Tier: feature.TierStudent, ExpiresAt: t0.Add(-time.Hour)})
	require.Error(t, err)
}

func TestCreateRejectsDuplicateActive(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	f.create(t, fp, feature.TierStartup, t0.AddDate(0, 1, 0))

	_, err := f.svc.Create(context.Background(), CreateParams{
		Fingerprint: fp,
		Tier:        feature.TierEnterprise,
		ExpiresAt:   t0.AddDate(1, 0, 0),
	})
	require.ErrorIs(t, err, ErrDuplicateActiveLicense)
}

func TestCreateConcurrentYieldsOneActive(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")

	const workers = 10
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Create(context.Background(), CreateParams{
				Fingerprint: fp,
				Tier:        feature.TierStartup,
				ExpiresAt:   t0.AddDate(0, 1, 0),
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateActiveLicense):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, workers-1, dup)

	var active int64
	require.NoError(t, f.db.Model(&License{}).Where("machine_fingerprint = ? AND status = ?", fp, StatusActive).Count(&active).Error)
	require.EqualValues(t, 1, active)
}

func TestActiveSlotRejectsSecondHolder(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	repo := NewRepository(f.db)
	ctx := context.Background()

	first, second := fp, fp
	require.NoError(t, repo.Insert(ctx, &License{ID: "1", LicenseKey: "k1", MachineFingerprint: fp, ActiveSlot: &first, Status: StatusActive, ExpiresAt: t0.Add(time.Hour)}))
	err := repo.Insert(ctx, &License{ID: "2", LicenseKey: "k2", MachineFingerprint: fp, ActiveSlot: &second, Status: StatusActive, ExpiresAt: t0.Add(time.Hour)})
	require.ErrorIs(t, err, ErrDuplicateActiveLicense)
}

func TestCreateAfterExpiryReleasesSlot(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	old := f.create(t, fp, feature.TierStartup, t0.AddDate(0, 0, 1))

	f.now = t0.AddDate(0, 0, 2)
	fresh := f.create(t, fp, feature.TierStartup, f.now.AddDate(0, 1, 0))
	require.NotEqual(t, old.ID, fresh.ID)

	reloaded, err := f.svc.Repository().FindByID(context.Background(), old.ID)
	require.NoError(t, err)
	require.Nil(t, reloaded.ActiveSlot)
	require.Equal(t, StatusActive, reloaded.Status)
	require.Equal(t, StatusExpired, reloaded.EffectiveStatus(f.now))
}

func TestRenewExtendsFromCurrentExpiry(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	lic := f.create(t, fp, feature.TierStartup, t0.AddDate(0, 0, 10))

	renewed, err := f.svc.Renew(context.Background(), RenewParams{Ref: Ref{Fingerprint: fp}})
	require.NoError(t, err)
	require.Equal(t, lic.ID, renewed.ID)
	require.True(t, renewed.ExpiresAt.Equal(t0.AddDate(0, 1, 10)), renewed.ExpiresAt)
	require.NotNil(t, renewed.LastPaymentDate)

	yearly, err := f.svc.Renew(context.Background(), RenewParams{Ref: Ref{Fingerprint: fp}, Months: 12})
	require.NoError(t, err)
	require.True(t, yearly.ExpiresAt.Equal(t0.AddDate(1, 1, 10)), yearly.ExpiresAt)

	require.ElementsMatch(t, []string{
		audit.ActionCreateManualLicense,
		audit.ActionLicenseRenewed,
		audit.ActionLicenseRenewed,
	}, f.auditActions(t, lic.ID))
}

func TestRenewMissingIsSkipped(t *testing.T) {
	f := newFixture(t)

	lic, err := f.svc.Renew(context.Background(), RenewParams{Ref: Ref{SubscriptionID: "sub_missing"}})
	require.NoError(t, err)
	require.Nil(t, lic)

	_, err = f.svc.Renew(context.Background(), RenewParams{})
	require.ErrorIs(t, err, ErrReferenceRequired)
}

func TestRenewReinstatesSuspended(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	ctx := context.Background()

	lic, err := f.svc.Create(ctx, CreateParams{
		Fingerprint: fp,
		Tier:        feature.TierStartup,
		ExpiresAt:   t0.AddDate(0, 1, 0),
		Billing:     Billing{SubscriptionID: "sub_1"},
	})
	require.NoError(t, err)

	suspended, err := f.svc.Suspend(ctx, Ref{SubscriptionID: "sub_1"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, suspended.Status)
	require.Nil(t, suspended.ActiveSlot)

	renewed, err := f.svc.Renew(ctx, RenewParams{Ref: Ref{SubscriptionID: "sub_1"}})
	require.NoError(t, err)
	require.Equal(t, lic.ID, renewed.ID)
	require.Equal(t, StatusActive, renewed.Status)
	require.NotNil(t, renewed.ActiveSlot)
}

func TestRenewConflictKeepsStatus(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	ctx := context.Background()

	first, err := f.svc.Create(ctx, CreateParams{
		Fingerprint: fp,
		Tier:        feature.TierStartup,
		ExpiresAt:   t0.AddDate(0, 1, 0),
		Billing:     Billing{SubscriptionID: "sub_old"},
	})
	require.NoError(t, err)
	_, err = f.svc.Suspend(ctx, Ref{SubscriptionID: "sub_old"})
	require.NoError(t, err)

	f.create(t, fp, feature.TierEnterprise, t0.AddDate(1, 0, 0))

	renewed, err := f.svc.Renew(ctx, RenewParams{Ref: Ref{SubscriptionID: "sub_old"}})
	require.NoError(t, err)
	require.Equal(t, first.ID, renewed.ID)
	require.Equal(t, StatusSuspended, renewed.Status)
	require.True(t, renewed.ExpiresAt.Equal(t0.AddDate(0, 2, 0)))
	require.Contains(t, f.auditActions(t, first.ID), audit.ActionLicenseRenewalBlocked)
}

func TestRenewKeepsCancelledUnlessRevived(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	ctx := context.Background()

	lic, err := f.svc.Create(ctx, CreateParams{
		Fingerprint: fp,
		Tier:        feature.TierStartup,
		ExpiresAt:   t0.AddDate(0, 1, 0),
		Billing:     Billing{SubscriptionID: "sub_1"},
	})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, Ref{SubscriptionID: "sub_1"})
	require.NoError(t, err)

	renewed, err := f.svc.Renew(ctx, RenewParams{Ref: Ref{SubscriptionID: "sub_1"}})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, renewed.Status)
	require.Nil(t, renewed.ActiveSlot)
	require.True(t, renewed.ExpiresAt.Equal(t0.AddDate(0, 2, 0)))
	require.Contains(t, f.auditActions(t, lic.ID), audit.ActionLicenseRenewalBlocked)

	revived, err := f.svc.Renew(ctx, RenewParams{Ref: Ref{Fingerprint: fp}, Revive: true})
	require.NoError(t, err)
	require.Equal(t, StatusActive, revived.Status)
	require.NotNil(t, revived.ActiveSlot)
	require.True(t, revived.ExpiresAt.Equal(t0.AddDate(0, 3, 0)))
}

func TestWithTrxRollsBackLifecycleChanges(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	ctx := context.Background()
	lic := f.create(t, fp, feature.TierStartup, t0.AddDate(0, 1, 0))

	errAbort := errors.New("abort")
	err := f.db.Transaction(func(tx *gorm.DB) error {
		renewed, err := f.svc.WithTrx(tx).Renew(ctx, RenewParams{Ref: Ref{Fingerprint: fp}})
		require.NoError(t, err)
		require.True(t, renewed.ExpiresAt.Equal(t0.AddDate(0, 2, 0)))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	reloaded, err := f.svc.Repository().FindByID(ctx, lic.ID)
	require.NoError(t, err)
	require.True(t, reloaded.ExpiresAt.Equal(t0.AddDate(0, 1, 0)))
	require.Equal(t, []string{audit.ActionCreateManualLicense}, f.auditActions(t, lic.ID))
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	ctx := context.Background()
	lic := f.create(t, fp, feature.TierStartup, t0.AddDate(0, 1, 0))

	cancelled, err := f.svc.Cancel(ctx, Ref{Fingerprint: fp})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	again, err := f.svc.Cancel(ctx, Ref{Fingerprint: fp})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, again.Status)

	require.ElementsMatch(t, []string{audit.ActionCreateManualLicense, audit.ActionLicenseCancelled}, f.auditActions(t, lic.ID))

	suspended, err := f.svc.Suspend(ctx, Ref{Fingerprint: fp})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, suspended.Status)

	missing, err := f.svc.Cancel(ctx, Ref{SubscriptionID: "sub_missing"})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	ctx := context.Background()

	_, err := f.svc.Revoke(ctx, fp)
	require.ErrorIs(t, err, ErrLicenseNotFound)

	lic := f.create(t, fp, feature.TierStartup, t0.AddDate(0, 1, 0))
	revoked, err := f.svc.Revoke(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, lic.ID, revoked.ID)
	require.Equal(t, StatusCancelled, revoked.Status)
	require.Contains(t, f.auditActions(t, lic.ID), audit.ActionLicenseRevoked)

	res := f.verifier.Verify(ctx, VerifyRequest{Fingerprint: fp})
	require.Equal(t, VerifyExpired, res.Status)
	require.Equal(t, StatusCancelled, res.Reason)
}

func TestCustomerLifecycle(t *testing.T) {
	f := newFixture(t)
	fp := testFingerprint(t, "A")
	ctx := context.Background()

	c, err := f.svc.UpsertCustomer(ctx, CustomerInfo{Email: "a@example.com", Name: "A"})
	require.NoError(t, err)

	same, err := f.svc.UpsertCustomer(ctx, CustomerInfo{Email: "A@example.com", Organization: "Org"})
	require.NoError(t, err)
	require.Equal(t, c.ID, same.ID)
	require.Equal(t, "A", same.Name)
	require.Equal(t, "Org", same.Organization)

	lic, err := f.svc.Create(ctx, CreateParams{
		Fingerprint: fp,
		Tier:        feature.TierStudent,
		ExpiresAt:   t0.AddDate(1, 0, 0),
		Customer:    &CustomerInfo{Email: "a@example.com"},
		AmountPaid:  decimal.RequireFromString("49.00"),
	})
	require.NoError(t, err)
	require.Equal(t, c.ID, *lic.CustomerID)

	require.NoError(t, f.svc.DeleteCustomer(ctx, c.ID))
	reloaded, err := f.svc.Repository().FindByID(ctx, lic.ID)
	require.NoError(t, err)
	require.Nil(t, reloaded.CustomerID)
	require.True(t, reloaded.AmountPaid.Equal(decimal.RequireFromString("49")))

	err = f.svc.DeleteCustomer(ctx, c.ID)
	require.Error(t, err)
}
