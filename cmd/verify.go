package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every stored file and reset the rows of missing or corrupt ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			report, err := a.Pipeline().Verify(cmd.Context())
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified %d files: %d missing, %d corrupt, %d rows reset\n",
				report.Files, report.Missing, report.Corrupt, report.RowsReset)
			return nil
		},
	}
}
