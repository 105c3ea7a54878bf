package license

import (
	"time"

	"licensing-controlplane/services/feature"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusSuspended Status = "suspended"
)

type Source string

const (
	SourceAdmin   Source = "admin_manual"
	SourcePayment Source = "payment_webhook"
)

// License is keyed by the anonymized machine fingerprint. Personal data is
// kept in Customer and referenced through CustomerID.
type License struct {
	ID                   string            `gorm:"column:id;primaryKey" json:"id"`
	LicenseKey           string            `gorm:"column:license_key;uniqueIndex" json:"license_key"`
	MachineFingerprint   string            `gorm:"column:machine_fingerprint;index;not null" json:"machine_fingerprint"`
	ActiveSlot           *string           `gorm:"column:active_slot;uniqueIndex" json:"-"`
	LicenseType          feature.Tier      `gorm:"column:license_type;index" json:"license_type"`
	Status               Status            `gorm:"column:status;index" json:"status"`
	IssuedAt             time.Time         `gorm:"column:issued_at" json:"issued_at"`
	ExpiresAt            time.Time         `gorm:"column:expires_at;index" json:"expires_at"`
	Features             datatypes.JSONMap `gorm:"column:features" json:"features"`
	VerificationCount    int64             `gorm:"column:verification_count;not null;default:0" json:"verification_count"`
	LastVerifiedAt       *time.Time        `gorm:"column:last_verified_at" json:"last_verified_at,omitempty"`
	StripeSubscriptionID *string           `gorm:"column:stripe_subscription_id;index" json:"stripe_subscription_id,omitempty"`
	StripeCustomerID     *string           `gorm:"column:stripe_customer_id" json:"stripe_customer_id,omitempty"`
	CheckoutSessionID    *string           `gorm:"column:checkout_session_id;uniqueIndex" json:"checkout_session_id,omitempty"`
	LastPaymentDate      *time.Time        `gorm:"column:last_payment_date" json:"last_payment_date,omitempty"`
	NextBillingDate      *time.Time        `gorm:"column:next_billing_date" json:"next_billing_date,omitempty"`
	AmountPaid           decimal.Decimal   `gorm:"column:amount_paid;type:decimal(12,2);not null;default:0" json:"amount_paid"`
	CustomerID           *string           `gorm:"column:customer_id;index" json:"customer_id,omitempty"`
	CreatedBy            Source            `gorm:"column:created_by" json:"created_by"`
	CreatedAt            time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (License) TableName() string {
	return "licenses"
}

// EffectiveStatus derives the status at now. An administrative status wins,
// otherwise an active record past its expiry reads as expired.
func (l *License) EffectiveStatus(now time.Time) Status {
	switch l.Status {
	case StatusCancelled, StatusSuspended, StatusExpired:
		return l.Status
	}
	if l.ExpiresAt.Before(now) {
		return StatusExpired
	}
	return StatusActive
}

// Valid reports whether the record grants access at now. The expiry instant
// itself is still valid.
func (l *License) Valid(now time.Time) bool {
	return l.EffectiveStatus(now) == StatusActive
}

type Customer struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	Email        string    `gorm:"column:email;uniqueIndex" json:"email"`
	Name         string    `gorm:"column:name" json:"name,omitempty"`
	Organization string    `gorm:"column:organization" json:"organization,omitempty"`
	Notes        string    `gorm:"column:notes" json:"notes,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Customer) TableName() string {
	return "customers"
}

// CustomerInfo is optional personal data supplied with a create request.
type CustomerInfo struct {
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	Organization string `json:"organization,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// Billing links a license to the payment processor.
type Billing struct {
	SubscriptionID    string
	CustomerID        string
	CheckoutSessionID string
	PaymentDate       *time.Time
	NextBillingDate   *time.Time
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
