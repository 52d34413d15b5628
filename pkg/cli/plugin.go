package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/platinummonkey/hangar/pkg/manager"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/platinummonkey/hangar/pkg/registry"
	"github.com/spf13/cobra"
)

func newPluginCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage plugins",
	}
	cmd.AddCommand(
		newListCommand(a),
		newInstallCommand(a),
		newUninstallCommand(a),
		newSearchCommand(a),
		newInfoCommand(a),
		newEnableCommand(a),
		newDisableCommand(a),
		newUpdateCommand(a),
		newValidateCommand(a),
		newStatusCommand(a),
		newDiscoverCommand(a),
		newDaemonCommand(a),
	)
	return cmd
}

type listOptions struct {
	pluginType  string
	enabledOnly bool
	states      []string
	format      string
}

func newListCommand(a *app) *cobra.Command {
	opts := &listOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}
			return a.withManager(cmd, func(_ context.Context, m *manager.Manager) error {
				return a.printRecords(m.List(filter), opts.format)
			})
		},
	}
	cmd.Flags().StringVar(&opts.pluginType, "type", "", "Only plugins of this type (template, provider, validator, hook)")
	cmd.Flags().BoolVar(&opts.enabledOnly, "enabled-only", false, "Only enabled plugins")
	cmd.Flags().StringSliceVar(&opts.states, "state", nil, "Only plugins in these lifecycle states")
	cmd.Flags().StringVar(&opts.format, "format", formatTable, "Output format: table or json")
	return cmd
}

func (o *listOptions) filter() (registry.Filter, error) {
	var f registry.Filter
	if o.pluginType != "" {
		t := plugins.PluginType(strings.ToLower(o.pluginType))
		if !t.Valid() {
			return f, fmt.Errorf("unknown plugin type %q", o.pluginType)
		}
		f.Type = t
	}
	if o.enabledOnly {
		f.Enabled = &o.enabledOnly
	}
	for _, s := range o.states {
		state, err := plugins.ParseState(s)
		if err != nil {
			return f, err
		}
		f.States = append(f.States, state)
	}
	return f, nil
}

func newInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show details of an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(_ context.Context, m *manager.Manager) error {
				rec, err := m.Get(args[0])
				if err != nil {
					return err
				}
				a.printRecord(rec)
				return nil
			})
		},
	}
}

func newEnableCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a plugin and activate it with its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *manager.Manager) error {
				out, err := m.Enable(ctx, args[0])
				if err != nil {
					return err
				}
				if err := failure(out); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Enabled %s (%s)\n", args[0], out.To)
				return nil
			})
		},
	}
}

func newDisableCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a plugin and stop it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *manager.Manager) error {
				if _, err := m.Disable(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Disabled %s\n", args[0])
				return nil
			})
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Load enabled plugins and report the manager status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *manager.Manager) error {
				outcomes, err := m.LoadAll(ctx)
				if err != nil {
					return err
				}
				st := m.Status()
				if format == formatJSON {
					return a.printJSON(st)
				}
				a.printStatus(st, outcomes)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table or json")
	return cmd
}
