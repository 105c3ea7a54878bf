package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"

	"go.uber.org/fx"
)

const DefaultSalt = "default_salt"

var Module = fx.Module("fingerprint",
	fx.Provide(NewDeriver),
)

var (
	ErrHardwareRequired   = errutil.BaseError{Code: errutil.StatusValidationFailed, Message: "hardware information required"}
	ErrInvalidFingerprint = errutil.BaseError{Code: errutil.StatusValidationFailed, Message: "invalid machine fingerprint"}
)

// HardwareInfo describes the machine a license is bound to.
type HardwareInfo struct {
	CPUID         string `json:"cpu_id"`
	MotherboardID string `json:"motherboard_id"`
	BIOSSerial    string `json:"bios_serial,omitempty"`
	MACAddress    string `json:"mac_address,omitempty"`
}

// Deriver turns hardware attributes into an opaque machine fingerprint.
type Deriver struct {
	salt string
}

func NewDeriver(cfg *config.Config) *Deriver {
	return NewDeriverWithSalt(cfg.License.FingerprintSalt)
}

func NewDeriverWithSalt(salt string) *Deriver {
	if salt == "" {
		salt = DefaultSalt
	}
	return &Deriver{salt: salt}
}

// Derive returns hex(sha256(cpu|motherboard|bios|mac|salt)). Optional fields
// that are absent contribute an empty string.
func (d *Deriver) Derive(hw *HardwareInfo) (string, error) {
	if hw == nil || hw.CPUID == "" || hw.MotherboardID == "" {
		return "", errutil.BaseError{
			Code:    ErrHardwareRequired.Code,
			Message: ErrHardwareRequired.Message,
			Details: []errutil.Detail{
				{Field: "cpu_id", Message: "required"},
				{Field: "motherboard_id", Message: "required"},
			},
		}
	}

	data := strings.Join([]string{
		hw.CPUID,
		hw.MotherboardID,
		hw.BIOSSerial,
		hw.MACAddress,
		d.salt,
	}, "|")

	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:]), nil
}

// Validate accepts a precomputed fingerprint: 64 lowercase hex characters.
func Validate(fp string) error {
	if len(fp) != sha256.Size*2 {
		return ErrInvalidFingerprint
	}
	for _, c := range fp {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return ErrInvalidFingerprint
		}
	}
	return nil
}
