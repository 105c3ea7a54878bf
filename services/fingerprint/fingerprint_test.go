package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDeriveKnownVector(t *testing.T) {
	d := NewDeriverWithSalt("S")

	fp, err := d.Derive(&HardwareInfo{CPUID: "A", MotherboardID: "B"})
	require.NoError(t, err)
	require.Equal(t, sha("A|B|||S"), fp)
	require.NoError(t, Validate(fp))
}

func TestDeriveDeterministic(t *testing.T) {
	d := NewDeriverWithSalt("salt")
	hw := &HardwareInfo{CPUID: "cpu", MotherboardID: "mb", BIOSSerial: "bios", MACAddress: "00:11"}

	first, err := d.Derive(hw)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := d.Derive(&HardwareInfo{CPUID: "cpu", MotherboardID: "mb", BIOSSerial: "bios", MACAddress: "00:11"})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestDeriveDiffersPerField(t *testing.T) {
	d := NewDeriverWithSalt("salt")
	base := HardwareInfo{CPUID: "cpu", MotherboardID: "mb", BIOSSerial: "bios", MACAddress: "mac"}
	baseFP, err := d.Derive(&base)
	require.NoError(t, err)

	variants := []HardwareInfo{
		{CPUID: "cpu2", MotherboardID: "mb", BIOSSerial: "bios", MACAddress: "mac"},
		{CPUID: "cpu", MotherboardID: "mb2", BIOSSerial: "bios", MACAddress: "mac"},
		{CPUID: "cpu", MotherboardID: "mb", BIOSSerial: "bios2", MACAddress: "mac"},
		{CPUID: "cpu", MotherboardID: "mb", BIOSSerial: "bios", MACAddress: "mac2"},
		{CPUID: "cpu", MotherboardID: "mb", BIOSSerial: "", MACAddress: "mac"},
	}
	seen := map[string]bool{baseFP: true}
	for _, v := range variants {
		fp, err := d.Derive(&v)
		require.NoError(t, err)
		require.False(t, seen[fp], "collision for %+v", v)
		seen[fp] = true
	}

	other, err := NewDeriverWithSalt("pepper").Derive(&base)
	require.NoError(t, err)
	require.NotEqual(t, baseFP, other)
}

func TestDeriveDefaultSalt(t *testing.T) {
	fp, err := NewDeriverWithSalt("").Derive(&HardwareInfo{CPUID: "A", MotherboardID: "B"})
	require.NoError(t, err)
	require.Equal(t, sha("A|B|||default_salt"), fp)
}

func TestDeriveMissingRequired(t *testing.T) {
	d := NewDeriverWithSalt("S")

	cases := []*HardwareInfo{
		nil,
		{MotherboardID: "B"},
		{CPUID: "A"},
	}
	for _, hw := range cases {
		_, err := d.Derive(hw)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrHardwareRequired))
	}
}

func TestValidate(t *testing.T) {
	require.ErrorIs(t, Validate(""), ErrInvalidFingerprint)
	require.ErrorIs(t, Validate("xyz"), ErrInvalidFingerprint)
	require.ErrorIs(t, Validate(sha("a")[:63]+"G"), ErrInvalidFingerprint)
	require.NoError(t, Validate(sha("a")))
}
