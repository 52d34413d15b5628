package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/hangar/pkg/manager"
	"github.com/spf13/cobra"
)

func newInstallCommand(a *app) *cobra.Command {
	var (
		force    bool
		noDeps   bool
		noEnable bool
	)
	cmd := &cobra.Command{
		Use:   "install <source>",
		Short: "Install a plugin from a path, archive, discovered name or the marketplace",
		Long: `Install a plugin and its missing required dependencies.

The source is a package directory, a .zip/.tar.gz archive, the name of a
plugin found in the search roots, or name[@version] from the marketplace.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *manager.Manager) error {
				report, err := m.Install(ctx, args[0], manager.InstallOptions{
					Force:  force,
					NoDeps: noDeps,
					Enable: !noEnable,
				})
				if err != nil {
					return err
				}

				for _, key := range report.AlreadyInstalled {
					fmt.Fprintf(a.out, "%s is already installed\n", key)
				}
				for _, key := range report.Installed {
					fmt.Fprintf(a.out, "Installed %s\n", key)
				}
				for _, w := range report.Warnings {
					fmt.Fprintf(a.out, "warning: %s\n", w)
				}

				var errs []error
				for _, out := range report.Outcomes {
					if err := failure(out); err != nil {
						errs = append(errs, err)
						continue
					}
					fmt.Fprintf(a.out, "Enabled %s (%s)\n", out.Plugin, out.To)
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Replace an installed plugin of a different version")
	cmd.Flags().BoolVar(&noDeps, "no-deps", false, "Do not install missing dependencies")
	cmd.Flags().BoolVar(&noEnable, "no-enable", false, "Install without enabling")
	return cmd
}

func newUninstallCommand(a *app) *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Uninstall a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *manager.Manager) error {
				removed, err := m.Uninstall(ctx, args[0], manager.UninstallOptions{Cascade: cascade})
				if len(removed) > 0 {
					fmt.Fprintf(a.out, "Uninstalled %s\n", strings.Join(removed, ", "))
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "Also uninstall plugins that require it")
	return cmd
}

func newUpdateCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "update [name]",
		Short: "Update a plugin, or every plugin with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *manager.Manager) error {
				if all {
					reports, err := m.UpdateAll(ctx)
					for _, r := range reports {
						a.printUpdate(r)
					}
					if len(reports) == 0 && err == nil {
						fmt.Fprintln(a.out, "All plugins are up to date")
					}
					return err
				}

				report, err := m.Update(ctx, args[0])
				if report != nil {
					a.printUpdate(report)
				}
				if err != nil && report != nil && report.RolledBack {
					return fmt.Errorf("%w: %v", errPluginFailed, err)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Update every installed plugin")
	return cmd
}

func (a *app) printUpdate(r *manager.UpdateReport) {
	switch {
	case r.Updated:
		fmt.Fprintf(a.out, "Updated %s %s -> %s\n", r.Plugin, r.From, r.To)
	case r.RolledBack:
		fmt.Fprintf(a.out, "Update of %s to %s failed, restored %s\n", r.Plugin, r.To, r.From)
	default:
		fmt.Fprintf(a.out, "%s %s is up to date\n", r.Plugin, r.From)
	}
}
