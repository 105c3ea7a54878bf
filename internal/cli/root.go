package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

type RootOptions struct {
	Format string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the licensectl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "licensectl",
		Short: "Operator tooling for the licensing control plane",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewFingerprintCommand(opts))

	return cmd
}
