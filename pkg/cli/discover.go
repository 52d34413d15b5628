package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/hangar/pkg/discovery"
	"github.com/platinummonkey/hangar/pkg/manager"
	"github.com/spf13/cobra"
)

func newDiscoverCommand(a *app) *cobra.Command {
	var (
		watch  bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the search roots for plugin packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *manager.Manager) error {
				res, err := m.Discover(ctx)
				if err != nil {
					return err
				}
				if format == formatJSON {
					if err := a.printJSON(res); err != nil {
						return err
					}
				} else {
					a.printDiscovery(res)
				}
				if !watch {
					return nil
				}

				ctx, stop := a.shutdown.NotifyContext(ctx)
				defer stop()
				fmt.Fprintln(a.out, "Watching search roots, press Ctrl+C to stop")
				err = m.Watch(ctx, func(ev discovery.Event) {
					fmt.Fprintf(a.out, "%s  %-7s %s (%s)\n", ev.Time.Format(time.TimeOnly), ev.Op, ev.Path, ev.Root)
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep watching the search roots for changes")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table or json")
	return cmd
}
