package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/hangar/pkg/discovery"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/spf13/cobra"
)

func newDaemonCommand(a *app) *cobra.Command {
	var (
		metricsAddr string
		watch       bool
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run enabled plugins, scheduled updates and the metrics endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := a.shutdown.NotifyContext(cmd.Context())
			defer stop()

			m, done, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			a.shutdown.Register("plugin manager", func(context.Context) error {
				done()
				return nil
			})

			outcomes, err := m.LoadAll(ctx)
			if err != nil {
				return err
			}
			for _, out := range outcomes {
				if out.Failed {
					a.logger.WithField("plugin", out.Plugin).Warnf("Plugin failed to start: %s", out.Message())
				}
			}
			a.logger.Infof("Started %d plugins", len(m.Status().Active))

			if a.cfg.Marketplace.UpdateSchedule != "" {
				updater, err := m.NewAutoUpdater()
				if err != nil {
					a.logger.WithError(err).Warn("Scheduled updates disabled")
				} else {
					updater.Start()
					a.shutdown.Register("auto-updater", updater.Stop)
				}
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				observability.RegisterMetricsEndpoint(mux, a.promReg)
				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					defer observability.RecoverPanic(a.logger, "metrics server")
					a.logger.Infof("Serving metrics on %s/metrics", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.WithError(err).Error("Metrics server failed")
					}
				}()
				a.shutdown.Register("metrics server", srv.Shutdown)
			}

			if watch {
				go func() {
					defer observability.RecoverPanic(a.logger, "search root watcher")
					err := m.Watch(ctx, func(ev discovery.Event) {
						a.logger.WithField("root", ev.Root).Infof("Search root change: %s %s", ev.Op, ev.Path)
					})
					if err != nil {
						a.logger.WithError(err).Warn("Search root watcher stopped")
					}
				}()
			}

			<-ctx.Done()
			a.logger.Info("Shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&watch, "watch", true, "Log changes below the search roots")
	return cmd
}
