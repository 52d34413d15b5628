package cli

import (
	"context"
	"fmt"

	"github.com/platinummonkey/hangar/pkg/manager"
	"github.com/spf13/cobra"
)

func newValidateCommand(a *app) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a plugin package without installing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strict {
				a.cfg.Validation.Strict = true
			}
			return a.withManager(cmd, func(ctx context.Context, m *manager.Manager) error {
				report, err := m.Validate(ctx, args[0])
				if report == nil {
					return err
				}

				for _, f := range report.Findings {
					fmt.Fprintf(a.out, "%s\n", f)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s@%s is valid (%s)\n", report.Plugin, report.Version, report.Summary())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as blocking")
	return cmd
}
