package audit

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ActionLicenseVerified       = "license_verified"
	ActionCreateManualLicense   = "create_manual_license"
	ActionCreatedViaPayment     = "license_created_via_payment"
	ActionLicenseRenewed        = "license_renewed"
	ActionLicenseCancelled      = "license_cancelled"
	ActionLicenseSuspended      = "license_suspended"
	ActionLicenseRevoked        = "license_revoked"
	ActionLicenseRenewalBlocked = "license_renewal_conflict"
)

// Entry is append-only. Nothing updates or deletes rows of this table.
type Entry struct {
	ID        string         `gorm:"column:id;primaryKey" json:"id"`
	LicenseID string         `gorm:"column:license_id;index;not null" json:"license_id"`
	Action    string         `gorm:"column:action;index;not null" json:"action"`
	Details   datatypes.JSON `gorm:"column:details" json:"details"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (Entry) TableName() string {
	return "license_audit_logs"
}
