package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/platinummonkey/hangar/pkg/discovery"
	"github.com/platinummonkey/hangar/pkg/manager"
	"github.com/platinummonkey/hangar/pkg/marketplace"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/platinummonkey/hangar/pkg/registry"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) table() *tabwriter.Writer {
	return tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
}

func (a *app) printRecords(recs []*registry.Record, format string) error {
	if format == formatJSON {
		return a.printJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(a.out, "No plugins installed.")
		return nil
	}

	w := a.table()
	fmt.Fprintln(w, "NAME\tVERSION\tTYPE\tSTATE\tENABLED\tDESCRIPTION")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			rec.Name(), rec.Version(), rec.Manifest.PluginType, rec.State, rec.Enabled, truncate(rec.Manifest.Description, 50))
	}
	return w.Flush()
}

func (a *app) printRecord(rec *registry.Record) {
	mf := rec.Manifest
	w := a.table()
	fmt.Fprintf(w, "Name:\t%s\n", mf.Name)
	fmt.Fprintf(w, "Version:\t%s\n", mf.Version)
	fmt.Fprintf(w, "Type:\t%s\n", mf.PluginType)
	fmt.Fprintf(w, "State:\t%s\n", rec.State)
	fmt.Fprintf(w, "Enabled:\t%t\n", rec.Enabled)
	if mf.Description != "" {
		fmt.Fprintf(w, "Description:\t%s\n", mf.Description)
	}
	if mf.Author != "" {
		fmt.Fprintf(w, "Author:\t%s\n", mf.Author)
	}
	fmt.Fprintf(w, "Entry point:\t%s\n", mf.EntryPoint)
	fmt.Fprintf(w, "Installed:\t%s\n", rec.InstallPath)
	if rec.Source != "" {
		fmt.Fprintf(w, "Source:\t%s\n", rec.Source)
	}
	if len(mf.Dependencies) > 0 {
		deps := make([]string, 0, len(mf.Dependencies))
		for _, d := range mf.Dependencies {
			dep := d.Name + " " + d.ConstraintOrAny()
			if d.Optional {
				dep += " (optional)"
			}
			deps = append(deps, dep)
		}
		fmt.Fprintf(w, "Dependencies:\t%s\n", strings.Join(deps, ", "))
	}
	perms := plugins.EffectivePermissions(mf)
	if len(perms) > 0 {
		names := make([]string, 0, len(perms))
		for _, p := range perms {
			names = append(names, string(p))
		}
		fmt.Fprintf(w, "Permissions:\t%s\n", strings.Join(names, ", "))
	}
	if len(mf.Hooks) > 0 {
		fmt.Fprintf(w, "Hooks:\t%s\n", strings.Join(mf.Hooks, ", "))
	}
	if rec.Report != nil {
		fmt.Fprintf(w, "Validation:\t%s\n", rec.Report.Summary())
	}
	if rec.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", rec.LastError)
	}
	w.Flush()
}

func (a *app) printStatus(st *manager.Status, outcomes []*manager.Outcome) {
	w := a.table()
	fmt.Fprintf(w, "Host version:\t%s\n", st.HostVersion)
	fmt.Fprintf(w, "Installed:\t%d (%d enabled)\n", st.Total, st.Enabled)
	fmt.Fprintf(w, "By state:\t%s\n", formatCounts(st.ByState))
	fmt.Fprintf(w, "By type:\t%s\n", formatCounts(st.ByType))
	fmt.Fprintf(w, "Active:\t%s\n", strings.Join(st.Active, ", "))
	fmt.Fprintf(w, "Hooks:\t%s\n", formatCounts(st.Hooks))
	fmt.Fprintf(w, "Workers:\t%d (%d completed, %d failed)\n", st.Pool.Workers, st.Pool.Completed, st.Pool.Failed)
	if len(st.Repositories) > 0 {
		fmt.Fprintf(w, "Repositories:\t%s\n", strings.Join(st.Repositories, ", "))
	}
	w.Flush()

	for _, out := range outcomes {
		if out.Failed {
			fmt.Fprintf(a.out, "%s failed to start: %s\n", out.Plugin, out.Message())
		}
	}
}

func (a *app) printListings(items []*marketplace.Listing) {
	w := a.table()
	fmt.Fprintln(w, "NAME\tVERSION\tTYPE\tRATING\tDOWNLOADS\tDESCRIPTION")
	for _, l := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%d\t%s\n",
			l.Name, l.Version, l.PluginType, l.Rating, l.Downloads, truncate(l.Description, 50))
	}
	w.Flush()
}

func (a *app) printDiscovery(res *discovery.Result) {
	if len(res.Candidates) == 0 {
		fmt.Fprintln(a.out, "No plugins found in the search roots.")
	} else {
		w := a.table()
		fmt.Fprintln(w, "NAME\tVERSION\tTYPE\tROOT\tSOURCE")
		for _, c := range res.Candidates {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				c.Manifest.Name, c.Manifest.Version, c.Manifest.PluginType, c.Root, c.Source)
		}
		w.Flush()
	}

	for _, c := range res.Shadowed {
		fmt.Fprintf(a.out, "shadowed: %s at %s\n", c.Manifest.Key(), c.Source)
	}
	for _, c := range res.Conflicts {
		fmt.Fprintf(a.out, "conflict: %s in %s: %s\n", c.Name, c.Root, c.Reason)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(a.out, "error: %s\n", e)
	}
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
