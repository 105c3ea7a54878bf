package cli

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestFingerprintCommand(t *testing.T) {
	sum := sha256.Sum256([]byte("A|B|||S"))
	want := hex.EncodeToString(sum[:])

	out, err := run(t, "fingerprint", "--cpu", "A", "--board", "B", "--salt", "S")
	require.NoError(t, err)
	require.Equal(t, want, strings.TrimSpace(out))

	out, err = run(t, "--format", "json", "fingerprint", "--cpu", "A", "--board", "B", "--salt", "S")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Equal(t, want, body["machine_fingerprint"])
}

func TestFingerprintCommandRequiresHardware(t *testing.T) {
	_, err := run(t, "fingerprint", "--cpu", "A")
	require.Error(t, err)
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	_, err := run(t, "--format", "xml", "fingerprint", "--cpu", "A", "--board", "B")
	require.ErrorContains(t, err, "invalid format")
}
