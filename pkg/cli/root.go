package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/hangar/pkg/config"
	"github.com/platinummonkey/hangar/pkg/manager"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Version is reported by --version
var Version = "dev"

// app carries global flags and process-wide services between commands
type app struct {
	configPath string
	home       string
	logLevel   string

	out    io.Writer
	errOut io.Writer

	cfg      *config.Config
	logger   *logrus.Logger
	promReg  *prometheus.Registry
	metrics  *observability.Metrics
	tp       *sdktrace.TracerProvider
	shutdown *observability.ShutdownManager
}

// NewRootCommand builds the hangar command tree
func NewRootCommand() *cobra.Command {
	return newApp().rootCommand()
}

func newApp() *app {
	return &app{}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "hangar",
		Short: "Hangar - plugin manager for infrastructure templates and providers",
		Long: `hangar discovers, validates, installs and runs sandboxed Lua plugins.
Plugins extend the host with templates, cloud providers, validators and event hooks.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Configuration file (default $HANGAR_CONFIG)")
	root.PersistentFlags().StringVar(&a.home, "home", "", "State directory (default $HANGAR_HOME or ~/.hangar)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(newPluginCommand(a))
	return root
}

// setup loads configuration and builds the logger, metrics and tracer
func (a *app) setup(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.home != "" {
		cfg.SetHome(a.home)
	}
	if a.logLevel != "" {
		cfg.Observability.LogLevel = a.logLevel
	}
	a.cfg = cfg

	a.logger = observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, a.errOut)
	a.shutdown = observability.NewShutdownManager(a.logger, 30*time.Second)

	a.promReg = prometheus.NewRegistry()
	a.metrics = observability.NewMetrics(a.promReg)

	tp, err := observability.InitTracing(cmd.Context(), observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, a.logger)
	if err != nil {
		a.logger.WithError(err).Warn("Tracing disabled")
	} else if tp != nil {
		a.tp = tp
		a.shutdown.Register("tracing", func(ctx context.Context) error {
			return observability.ShutdownTracing(ctx, tp, a.logger)
		})
	}
	return nil
}

// close releases process-wide services
func (a *app) close(ctx context.Context) error {
	if a.shutdown == nil {
		return nil
	}
	return a.shutdown.Shutdown(ctx)
}

// openManager builds a manager over the configured home directory. The
// caller must invoke the returned func once done.
func (a *app) openManager(ctx context.Context) (*manager.Manager, func(), error) {
	market, closeMarket, err := manager.NewMarketplace(ctx, a.cfg, a.logger, a.metrics)
	if err != nil {
		return nil, nil, err
	}

	opts := []manager.Option{
		manager.WithLogger(a.logger),
		manager.WithMetrics(a.metrics),
	}
	if a.tp != nil {
		opts = append(opts, manager.WithTracer(observability.Tracer(a.tp)))
	}
	if len(market.Repositories()) > 0 {
		opts = append(opts, manager.WithMarketplace(market))
	}

	m, err := manager.New(ctx, a.cfg, opts...)
	if err != nil {
		closeMarket()
		return nil, nil, err
	}
	return m, func() {
		if err := m.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.WithError(err).Warn("Plugin manager did not close cleanly")
		}
		if err := closeMarket(); err != nil {
			a.logger.WithError(err).Warn("Failed to close marketplace cache")
		}
	}, nil
}

// withManager runs fn against a freshly opened manager
func (a *app) withManager(cmd *cobra.Command, fn func(ctx context.Context, m *manager.Manager) error) error {
	ctx := cmd.Context()
	m, done, err := a.openManager(ctx)
	if err != nil {
		return err
	}
	defer done()
	return fn(ctx, m)
}

// Execute runs the command line and returns the process exit code
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp()
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}
