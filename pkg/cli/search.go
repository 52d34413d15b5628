package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/platinummonkey/hangar/pkg/manager"
	"github.com/platinummonkey/hangar/pkg/marketplace"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/spf13/cobra"
)

func newSearchCommand(a *app) *cobra.Command {
	var (
		q      marketplace.SearchQuery
		kind   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the marketplace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				q.Query = args[0]
			}
			if kind != "" {
				q.Type = plugins.PluginType(strings.ToLower(kind))
				if !q.Type.Valid() {
					return fmt.Errorf("unknown plugin type %q", kind)
				}
			}
			return a.withManager(cmd, func(ctx context.Context, m *manager.Manager) error {
				items, err := m.Search(ctx, q)
				if err != nil {
					return err
				}
				if format == formatJSON {
					return a.printJSON(items)
				}
				if len(items) == 0 {
					fmt.Fprintln(a.out, "No plugins found.")
					return nil
				}
				a.printListings(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Category, "category", "", "Only listings in this category")
	cmd.Flags().StringVar(&kind, "type", "", "Only listings of this plugin type")
	cmd.Flags().IntVar(&q.Limit, "limit", marketplace.DefaultSearchLimit, "Maximum number of results")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table or json")
	return cmd
}
