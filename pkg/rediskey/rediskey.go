package rediskey

import "fmt"

const (
	LicenseLockPrefix      = "license:lock"
	PaymentEventLockPrefix = "payment:event:lock"
	SequencePrefix         = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLicenseLockKey returns "license:lock:{fingerprint}"
func BuildLicenseLockKey(fingerprint string) string {
	return NamespaceKey(LicenseLockPrefix, fingerprint)
}

// BuildPaymentEventLockKey returns "payment:event:lock:{eventID}"
func BuildPaymentEventLockKey(eventID string) string {
	return NamespaceKey(PaymentEventLockPrefix, eventID)
}

// BuildDailySequenceKey returns "seq:{prefix}:{yymmdd}"
func BuildDailySequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s", prefix, day))
}
