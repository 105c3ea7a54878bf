package license

import (
	"context"
	"errors"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/lock"
	"licensing-controlplane/pkg/rediskey"
	"licensing-controlplane/pkg/sequence"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/feature"
	"licensing-controlplane/services/fingerprint"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var lifecycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "license_lifecycle_total",
	Help: "License lifecycle operations by action and outcome.",
}, []string{"action", "outcome"})

const defaultStoreTimeout = 5 * time.Second

// Service is the lifecycle manager. It is the only writer of license status
// and expiry.
type Service struct {
	db      *gorm.DB
	repo    *Repository
	audit   *audit.Service
	locker  lock.Locker
	node    *snowflake.Node
	seq     sequence.Generator
	timeout time.Duration
	clock   func() time.Time
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Audit  *audit.Service
	Locker lock.Locker
	Node   *snowflake.Node
	Seq    sequence.Generator `optional:"true"`
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	timeout := defaultStoreTimeout
	if p.Config != nil && p.Config.License.StoreTimeout > 0 {
		timeout = p.Config.License.StoreTimeout
	}

	return &Service{
		db:      p.DB,
		repo:    NewRepository(p.DB),
		audit:   p.Audit,
		locker:  p.Locker,
		node:    p.Node,
		seq:     p.Seq,
		timeout: timeout,
		clock:   time.Now,
	}
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

func (s *Service) Repository() *Repository {
	return s.repo
}

// WithTrx binds the service to tx. Its own transactions become savepoints, so
// the caller's commit decides whether any lifecycle change persists.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	c := *s
	c.db = tx
	c.repo = s.repo.WithTrx(tx)
	return &c
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func loggerFrom(ctx context.Context) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

type CreateParams struct {
	Fingerprint string
	Tier        feature.Tier
	ExpiresAt   time.Time
	Source      Source
	Billing     Billing
	AmountPaid  decimal.Decimal
	Customer    *CustomerInfo
	// Details is merged into the creation audit entry.
	Details map[string]any
}

// Create issues a license for a machine. It fails with
// ErrDuplicateActiveLicense while a valid license exists for the identity.
func (s *Service) Create(ctx context.Context, p CreateParams) (*License, error) {
	zapLog := loggerFrom(ctx).With(
		zap.String("machine_fingerprint", p.Fingerprint),
		zap.String("license_type", p.Tier.String()),
	)

	if err := fingerprint.Validate(p.Fingerprint); err != nil {
		return nil, err
	}
	features, ok := feature.FeaturesFor(p.Tier)
	if !ok {
		return nil, ErrInvalidLicenseType
	}
	if p.ExpiresAt.IsZero() {
		return nil, ErrExpiryRequired
	}
	if p.Source == "" {
		p.Source = SourceAdmin
	}

	now := s.now()
	expiresAt := p.ExpiresAt.UTC().Truncate(time.Microsecond)
	if !expiresAt.After(now) {
		return nil, errutil.ValidationFailed("expires_at must be in the future", nil)
	}

	id := s.node.Generate().String()
	licenseKey := s.nextLicenseKey(ctx, id)

	var created *License
	err := s.locker.WithLock(ctx, rediskey.BuildLicenseLockKey(p.Fingerprint), func(ctx context.Context) error {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()

		existing, err := s.repo.FindActive(ctx, p.Fingerprint, now)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrDuplicateActiveLicense
		}

		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			repo := s.repo.WithTrx(tx)
			if err := repo.ReleaseStaleSlot(ctx, p.Fingerprint, now); err != nil {
				return err
			}

			var customerID *string
			if p.Customer != nil && p.Customer.Email != "" {
				c, err := s.upsertCustomer(ctx, tx, *p.Customer)
				if err != nil {
					return err
				}
				customerID = &c.ID
			}

			slot := p.Fingerprint
			lic := &License{
				ID:                   id,
				LicenseKey:           licenseKey,
				MachineFingerprint:   p.Fingerprint,
				ActiveSlot:           &slot,
				LicenseType:          p.Tier,
				Status:               StatusActive,
				IssuedAt:             now,
				ExpiresAt:            expiresAt,
				Features:             datatypes.JSONMap(features),
				StripeSubscriptionID: strPtr(p.Billing.SubscriptionID),
				StripeCustomerID:     strPtr(p.Billing.CustomerID),
				CheckoutSessionID:    strPtr(p.Billing.CheckoutSessionID),
				LastPaymentDate:      p.Billing.PaymentDate,
				NextBillingDate:      p.Billing.NextBillingDate,
				AmountPaid:           p.AmountPaid,
				CustomerID:           customerID,
				CreatedBy:            p.Source,
			}
			if err := repo.Insert(ctx, lic); err != nil {
				return err
			}

			action, details := creationAudit(lic, p)
			if err := s.audit.Append(ctx, tx, lic.ID, action, details); err != nil {
				return err
			}

			created = lic
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateActiveLicense) {
			lifecycleTotal.WithLabelValues("create", "duplicate").Inc()
			zapLog.Warn("active license already exists")
			return nil, ErrDuplicateActiveLicense
		}
		lifecycleTotal.WithLabelValues("create", "error").Inc()
		zapLog.Error("failed to create license", zap.Error(err))
		return nil, storeError("failed to create license", err)
	}

	lifecycleTotal.WithLabelValues("create", "ok").Inc()
	zapLog.Info("license created", zap.String("license_id", created.ID), zap.String("source", string(p.Source)))
	return created, nil
}

func creationAudit(lic *License, p CreateParams) (string, map[string]any) {
	details := map[string]any{
		"license_type": lic.LicenseType,
		"expires_at":   lic.ExpiresAt,
	}

	action := audit.ActionCreateManualLicense
	if p.Source == SourcePayment {
		action = audit.ActionCreatedViaPayment
		details["amount_paid"] = p.AmountPaid.InexactFloat64()
		details["payment_session_id"] = p.Billing.CheckoutSessionID
	} else {
		details["admin_created"] = true
	}

	for k, v := range p.Details {
		details[k] = v
	}
	return action, details
}

func (s *Service) nextLicenseKey(ctx context.Context, id string) string {
	if s.seq != nil {
		key, err := s.seq.NextLicenseKey(ctx)
		if err == nil {
			return key
		}
		loggerFrom(ctx).Warn("license key sequence unavailable, using id", zap.Error(err))
	}
	return sequence.LicensePrefix + "-" + id
}

// Ref selects licenses either by machine fingerprint or by billing reference.
type Ref struct {
	Fingerprint    string
	SubscriptionID string
}

func (r Ref) empty() bool {
	return r.Fingerprint == "" && r.SubscriptionID == ""
}

type RenewParams struct {
	Ref
	// Months overrides the tier's billing period when positive.
	Months      int
	PaymentDate *time.Time
	// Billing, when set, attaches new processor references.
	Billing *Billing
	// Revive lets the renewal reinstate a cancelled license. Without it a
	// cancelled license is extended but stays cancelled.
	Revive bool
}

// Renew extends the license's current expiry by one billing period and
// reinstates it. A missing record is not an error: the payment event may
// arrive before the license exists.
func (s *Service) Renew(ctx context.Context, p RenewParams) (*License, error) {
	zapLog := loggerFrom(ctx).With(
		zap.String("machine_fingerprint", p.Fingerprint),
		zap.String("subscription_id", p.SubscriptionID),
	)

	if p.Ref.empty() {
		return nil, ErrReferenceRequired
	}

	target, err := s.resolveOne(ctx, p.Ref)
	if err != nil {
		zapLog.Error("failed to look up license for renewal", zap.Error(err))
		return nil, storeError("failed to renew license", err)
	}
	if target == nil {
		lifecycleTotal.WithLabelValues("renew", "skipped").Inc()
		zapLog.Info("no license found for renewal, skipping")
		return nil, nil
	}

	var renewed *License
	err = s.locker.WithLock(ctx, rediskey.BuildLicenseLockKey(target.MachineFingerprint), func(ctx context.Context) error {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()

		current, err := s.repo.FindByID(ctx, target.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrLicenseNotFound
		}

		now := s.now()
		months := p.Months
		if months <= 0 {
			months = feature.PeriodMonths(current.LicenseType)
		}
		newExpiry := feature.ExtendMonths(current.ExpiresAt, months)

		paidAt := now
		if p.PaymentDate != nil {
			paidAt = p.PaymentDate.UTC()
		}

		fields := map[string]any{
			"expires_at":        newExpiry,
			"last_payment_date": paidAt,
			"next_billing_date": newExpiry,
		}
		if p.Billing != nil {
			if p.Billing.SubscriptionID != "" {
				fields["stripe_subscription_id"] = p.Billing.SubscriptionID
			}
			if p.Billing.CustomerID != "" {
				fields["stripe_customer_id"] = p.Billing.CustomerID
			}
		}

		details := map[string]any{
			"previous_expires_at": current.ExpiresAt,
			"expires_at":          newExpiry,
			"months":              months,
			"previous_status":     current.Status,
		}

		reinstate := current.Status != StatusCancelled || p.Revive
		if reinstate {
			err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				repo := s.repo.WithTrx(tx)
				if err := repo.ReleaseStaleSlot(ctx, current.MachineFingerprint, now); err != nil {
					return err
				}

				claim := copyFields(fields)
				claim["status"] = StatusActive
				claim["active_slot"] = current.MachineFingerprint
				if err := repo.Update(ctx, current.ID, claim); err != nil {
					return err
				}
				return s.audit.Append(ctx, tx, current.ID, audit.ActionLicenseRenewed, details)
			})
			if errors.Is(err, ErrDuplicateActiveLicense) {
				zapLog.Warn("renewal could not reinstate, another license is active", zap.String("license_id", current.ID))
				reinstate = false
			}
		} else {
			zapLog.Warn("renewal of a cancelled license, status kept", zap.String("license_id", current.ID))
		}

		if !reinstate {
			err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := s.repo.WithTrx(tx).Update(ctx, current.ID, fields); err != nil {
					return err
				}
				return s.audit.Append(ctx, tx, current.ID, audit.ActionLicenseRenewalBlocked, details)
			})
		}
		if err != nil {
			return err
		}

		renewed, err = s.repo.FindByID(ctx, current.ID)
		return err
	})
	if err != nil {
		lifecycleTotal.WithLabelValues("renew", "error").Inc()
		zapLog.Error("failed to renew license", zap.Error(err))
		return nil, storeError("failed to renew license", err)
	}

	lifecycleTotal.WithLabelValues("renew", "ok").Inc()
	zapLog.Info("license renewed", zap.String("license_id", renewed.ID), zap.Time("expires_at", renewed.ExpiresAt))
	return renewed, nil
}

// Cancel moves the matched licenses to cancelled. Repeating it is a no-op.
func (s *Service) Cancel(ctx context.Context, ref Ref) (*License, error) {
	return s.transition(ctx, ref, StatusCancelled, audit.ActionLicenseCancelled)
}

// Suspend moves the matched licenses to suspended. Cancelled licenses stay
// cancelled. Repeating it is a no-op.
func (s *Service) Suspend(ctx context.Context, ref Ref) (*License, error) {
	return s.transition(ctx, ref, StatusSuspended, audit.ActionLicenseSuspended)
}

// Revoke cancels every license bound to the machine on behalf of an admin.
func (s *Service) Revoke(ctx context.Context, machineFingerprint string) (*License, error) {
	if machineFingerprint == "" {
		return nil, ErrReferenceRequired
	}
	lic, err := s.transition(ctx, Ref{Fingerprint: machineFingerprint}, StatusCancelled, audit.ActionLicenseRevoked)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, ErrLicenseNotFound
	}
	return lic, nil
}

func (s *Service) transition(ctx context.Context, ref Ref, to Status, action string) (*License, error) {
	zapLog := loggerFrom(ctx).With(
		zap.String("machine_fingerprint", ref.Fingerprint),
		zap.String("subscription_id", ref.SubscriptionID),
		zap.String("to", string(to)),
	)

	if ref.empty() {
		return nil, ErrReferenceRequired
	}

	targets, err := s.resolveAll(ctx, ref)
	if err != nil {
		zapLog.Error("failed to look up licenses", zap.Error(err))
		return nil, storeError("failed to update license status", err)
	}
	if len(targets) == 0 {
		lifecycleTotal.WithLabelValues(action, "skipped").Inc()
		zapLog.Info("no license found for status change, skipping")
		return nil, nil
	}

	var result *License
	err = s.locker.WithLock(ctx, rediskey.BuildLicenseLockKey(targets[0].MachineFingerprint), func(ctx context.Context) error {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			repo := s.repo.WithTrx(tx)
			for _, t := range targets {
				current, err := repo.FindByID(ctx, t.ID)
				if err != nil {
					return err
				}
				if current == nil || current.Status == to || current.Status == StatusCancelled {
					continue
				}

				if err := repo.Update(ctx, current.ID, map[string]any{
					"status":      to,
					"active_slot": nil,
				}); err != nil {
					return err
				}
				if err := s.audit.Append(ctx, tx, current.ID, action, map[string]any{
					"previous_status": current.Status,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if ref.SubscriptionID != "" {
			result, err = s.repo.FindByID(ctx, targets[0].ID)
		} else {
			result, err = s.repo.FindLatest(ctx, ref.Fingerprint)
		}
		return err
	})
	if err != nil {
		lifecycleTotal.WithLabelValues(action, "error").Inc()
		zapLog.Error("failed to update license status", zap.Error(err))
		return nil, storeError("failed to update license status", err)
	}

	lifecycleTotal.WithLabelValues(action, "ok").Inc()
	zapLog.Info("license status updated", zap.String("license_id", result.ID), zap.String("status", string(result.Status)))
	return result, nil
}

func (s *Service) resolveOne(ctx context.Context, ref Ref) (*License, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if ref.SubscriptionID != "" {
		return s.repo.FindBySubscription(ctx, ref.SubscriptionID)
	}
	return s.repo.FindLatest(ctx, ref.Fingerprint)
}

func (s *Service) resolveAll(ctx context.Context, ref Ref) ([]*License, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if ref.SubscriptionID != "" {
		lic, err := s.repo.FindBySubscription(ctx, ref.SubscriptionID)
		if err != nil || lic == nil {
			return nil, err
		}
		return []*License{lic}, nil
	}
	return s.repo.FindByFingerprint(ctx, ref.Fingerprint)
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// storeError keeps domain errors intact and classifies the rest.
func storeError(msg string, err error) error {
	var base errutil.BaseError
	if errors.As(err, &base) {
		return base
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errutil.Timeout(msg, err)
	}
	return errutil.Internal(msg, err)
}
