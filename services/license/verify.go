package license

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/services/audit"
	"licensing-controlplane/services/feature"
	"licensing-controlplane/services/fingerprint"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "license_verifications_total",
	Help: "License verifications by resulting status.",
}, []string{"status"})

type VerifyStatus string

const (
	VerifyValid   VerifyStatus = "valid"
	VerifyExpired VerifyStatus = "expired"
	VerifyInvalid VerifyStatus = "invalid"
	VerifyError   VerifyStatus = "error"
)

const (
	ActionPurchaseRequired    = "purchase_required"
	ActionRenewalRequired     = "renewal_required"
	ActionHardwareCheckFailed = "hardware_check_failed"
	ActionRetryLater          = "retry_later"
	ActionContactSupport      = "contact_support"
)

const (
	defaultWarningDays = 30
	defaultBaseURL     = "https://your-domain.com"
	unknownMeta        = "unknown"
)

type VerifyRequest struct {
	Fingerprint string                    `json:"machine_fingerprint"`
	Hardware    *fingerprint.HardwareInfo `json:"hardware_info"`
	Product     string                    `json:"product"`
	Version     string                    `json:"version"`
	Features    []string                  `json:"features"`
}

// VerificationResult is the wire response of a verification. Fields not
// relevant to Status are omitted.
type VerificationResult struct {
	Status            VerifyStatus             `json:"status"`
	Message           string                   `json:"message,omitempty"`
	LicenseType       feature.Tier             `json:"license_type,omitempty"`
	ExpiresAt         *time.Time               `json:"expires_at,omitempty"`
	ExpiredAt         *time.Time               `json:"expired_at,omitempty"`
	DaysRemaining     *int                     `json:"days_remaining,omitempty"`
	Features          map[string]any           `json:"features,omitempty"`
	FeatureCheck      map[string]feature.Check `json:"feature_check,omitempty"`
	VerifiedAt        *time.Time               `json:"verified_at,omitempty"`
	VerificationCount int64                    `json:"verification_count,omitempty"`
	Warnings          []string                 `json:"warnings,omitempty"`
	RenewalURL        string                   `json:"renewal_url,omitempty"`
	PurchaseURL       string                   `json:"purchase_url,omitempty"`
	Action            string                   `json:"action,omitempty"`
	Reason            Status                   `json:"reason,omitempty"`
}

// Verifier answers whether a machine may run the software right now. It never
// writes status; only the verification counter and the audit trail change.
type Verifier struct {
	db          *gorm.DB
	repo        *Repository
	audit       *audit.Service
	deriver     *fingerprint.Deriver
	baseURL     string
	warningDays int
	timeout     time.Duration

	Now func() time.Time
}

type VerifierParams struct {
	fx.In
	DB      *gorm.DB
	Audit   *audit.Service
	Deriver *fingerprint.Deriver
	Config  *config.Config
}

func NewVerifier(p VerifierParams) *Verifier {
	v := &Verifier{
		db:          p.DB,
		repo:        NewRepository(p.DB),
		audit:       p.Audit,
		deriver:     p.Deriver,
		baseURL:     defaultBaseURL,
		warningDays: defaultWarningDays,
		timeout:     defaultStoreTimeout,
		Now:         time.Now,
	}

	if p.Config != nil {
		if p.Config.Payment.BaseURL != "" {
			v.baseURL = strings.TrimRight(p.Config.Payment.BaseURL, "/")
		}
		if p.Config.License.WarningDays > 0 {
			v.warningDays = p.Config.License.WarningDays
		}
		if p.Config.License.StoreTimeout > 0 {
			v.timeout = p.Config.License.StoreTimeout
		}
	}
	return v
}

func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) *VerificationResult {
	res := v.verify(ctx, req)
	verificationsTotal.WithLabelValues(string(res.Status)).Inc()
	return res
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest) *VerificationResult {
	zapLog := loggerFrom(ctx)

	fp, err := v.identity(req)
	if err != nil {
		zapLog.Info("verification rejected, bad machine identity", zap.Error(err))
		return &VerificationResult{
			Status:      VerifyInvalid,
			Message:     "Unable to verify hardware identity",
			Action:      ActionHardwareCheckFailed,
			PurchaseURL: v.PurchaseURL(req.Fingerprint),
		}
	}
	zapLog = zapLog.With(zap.String("machine_fingerprint", fp))

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	now := v.Now().UTC().Truncate(time.Microsecond)

	lic, err := v.repo.FindActive(ctx, fp, now)
	if err != nil {
		return v.failure(zapLog, err)
	}

	if lic == nil {
		latest, err := v.repo.FindLatest(ctx, fp)
		if err != nil {
			return v.failure(zapLog, err)
		}
		if latest == nil {
			return &VerificationResult{
				Status:      VerifyInvalid,
				Message:     "No license found for this machine",
				Action:      ActionPurchaseRequired,
				PurchaseURL: v.PurchaseURL(fp),
			}
		}

		expiredAt := latest.ExpiresAt
		return &VerificationResult{
			Status:      VerifyExpired,
			Message:     "License is no longer valid",
			LicenseType: latest.LicenseType,
			ExpiredAt:   &expiredAt,
			RenewalURL:  v.RenewalURL(fp),
			Action:      ActionRenewalRequired,
			Reason:      latest.EffectiveStatus(now),
		}
	}

	var count int64
	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		count, err = v.repo.WithTrx(tx).IncrementVerification(ctx, lic.ID, now)
		if err != nil {
			return err
		}
		return v.audit.Append(ctx, tx, lic.ID, audit.ActionLicenseVerified, map[string]any{
			"product": orUnknown(req.Product),
			"version": orUnknown(req.Version),
		})
	})
	if err != nil {
		return v.failure(zapLog, err)
	}

	days := DaysRemaining(lic.ExpiresAt, now)
	expiresAt := lic.ExpiresAt
	res := &VerificationResult{
		Status:            VerifyValid,
		LicenseType:       lic.LicenseType,
		ExpiresAt:         &expiresAt,
		DaysRemaining:     &days,
		Features:          map[string]any(lic.Features),
		VerifiedAt:        &now,
		VerificationCount: count,
	}
	if days <= v.warningDays {
		res.Warnings = []string{fmt.Sprintf("License expires in %d days", days)}
		res.RenewalURL = v.RenewalURL(fp)
	}
	if len(req.Features) > 0 {
		res.FeatureCheck = feature.CheckAll(feature.FeatureSet(lic.Features), req.Features)
	}

	zapLog.Debug("license verified", zap.String("license_id", lic.ID), zap.Int64("verification_count", count))
	return res
}

func (v *Verifier) identity(req VerifyRequest) (string, error) {
	if req.Fingerprint != "" {
		if err := fingerprint.Validate(req.Fingerprint); err != nil {
			return "", err
		}
		return req.Fingerprint, nil
	}
	return v.deriver.Derive(req.Hardware)
}

// failure keeps the detail in the log. The caller only sees a directive.
func (v *Verifier) failure(zapLog *zap.Logger, err error) *VerificationResult {
	zapLog.Error("license verification failed", zap.Error(err))

	action := ActionContactSupport
	if transient(err) {
		action = ActionRetryLater
	}
	return &VerificationResult{
		Status:  VerifyError,
		Message: "License verification is temporarily unavailable",
		Action:  action,
	}
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errutil.Normalize(err).Code.Transient()
}

func (v *Verifier) PurchaseURL(fp string) string {
	return v.baseURL + "/payment?mf=" + url.QueryEscape(fp)
}

func (v *Verifier) RenewalURL(fp string) string {
	return v.PurchaseURL(fp) + "&renewal=true"
}

// DaysRemaining rounds partial days up. The expiry instant itself yields 0.
func DaysRemaining(expiresAt, now time.Time) int {
	return int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
}

func orUnknown(s string) string {
	if s == "" {
		return unknownMeta
	}
	return s
}
