package cli

import (
	"encoding/json"
	"fmt"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/services/fingerprint"

	"github.com/spf13/cobra"
)

type fingerprintOptions struct {
	hw   fingerprint.HardwareInfo
	salt string
}

// NewFingerprintCommand prints the fingerprint the server would derive for
// the given hardware.
func NewFingerprintCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &fingerprintOptions{}

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Derive a machine fingerprint from hardware identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			salt := opts.salt
			if salt == "" {
				salt = config.Default().License.FingerprintSalt
			}

			fp, err := fingerprint.NewDeriverWithSalt(salt).Derive(&opts.hw)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return json.NewEncoder(out).Encode(map[string]string{"machine_fingerprint": fp})
			}
			_, err = fmt.Fprintln(out, fp)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.hw.CPUID, "cpu", "", "CPU id (required)")
	cmd.Flags().StringVar(&opts.hw.MotherboardID, "board", "", "motherboard id (required)")
	cmd.Flags().StringVar(&opts.hw.BIOSSerial, "bios", "", "BIOS serial")
	cmd.Flags().StringVar(&opts.hw.MACAddress, "mac", "", "MAC address")
	cmd.Flags().StringVar(&opts.salt, "salt", "", "fingerprint salt (defaults to LICENSE.FINGERPRINT_SALT)")
	_ = cmd.MarkFlagRequired("cpu")
	_ = cmd.MarkFlagRequired("board")

	return cmd
}
