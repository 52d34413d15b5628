package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/hangar/pkg/async"
	"github.com/platinummonkey/hangar/pkg/config"
	"github.com/platinummonkey/hangar/pkg/dependencies"
	"github.com/platinummonkey/hangar/pkg/discovery"
	"github.com/platinummonkey/hangar/pkg/hooks"
	"github.com/platinummonkey/hangar/pkg/loader"
	"github.com/platinummonkey/hangar/pkg/marketplace"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/platinummonkey/hangar/pkg/registry"
	"github.com/platinummonkey/hangar/pkg/sandbox"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotActive is returned by Call for plugins that are not Active
	ErrNotActive = errors.New("plugin is not active")

	// ErrUnsupportedOperation is returned by Call for operations outside the kind contract
	ErrUnsupportedOperation = errors.New("operation not supported by plugin kind")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("plugin manager closed")
)

// Manager drives the plugin lifecycle. It owns the registry, the loader and
// the hook bus; a process holds one Manager and passes it to whatever needs
// plugin access.
type Manager struct {
	cfg       *config.Config
	logger    *logrus.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	store     registry.Store
	registry  *registry.Registry
	validator *plugins.Validator
	resolver  *dependencies.Resolver
	loader    *loader.Loader
	cache     *discovery.ManifestCache
	bus       *hooks.Bus
	pool      *async.WorkerPool
	market    *marketplace.Client
	versions  *marketplace.VersionManager

	sandboxOpts []sandbox.Option

	locks *keyedMutex
	// installMu serializes operations that change the installed set.
	installMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records lifecycle, call, validation and hook metrics
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTracer wraps manager operations in spans
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithMarketplace enables search, remote install and update checks
func WithMarketplace(client *marketplace.Client) Option {
	return func(m *Manager) {
		m.market = client
	}
}

// WithRegistryStore replaces the store selected by the configuration
func WithRegistryStore(store registry.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithSandboxOptions passes extra options to every sandbox
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(m *Manager) {
		m.sandboxOpts = append(m.sandboxOpts, opts...)
	}
}

// New opens the registry, recovers records from the install root and
// settles records left in a loaded state by a previous process.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	m := &Manager{
		cfg:    cfg,
		logger: logrus.New(),
		tracer: observability.NoopTracer(),
		locks:  newKeyedMutex(),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.store == nil {
		store, err := OpenStore(ctx, cfg, m.logger)
		if err != nil {
			return nil, err
		}
		m.store = store
	}

	reg, err := registry.Open(ctx, m.store, m.logger)
	if err != nil {
		m.store.Close()
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	m.registry = reg

	if n, err := reg.Recover(ctx, cfg.InstallRoot()); err != nil {
		m.logger.WithError(err).Warn("Registry recovery incomplete")
	} else if n > 0 {
		m.logger.Infof("Recovered %d plugin records from %s", n, cfg.InstallRoot())
	}

	m.validator = plugins.NewValidator(m.logger,
		plugins.WithStrictMode(cfg.Validation.Strict),
		plugins.WithMaxPackageSize(int64(cfg.Validation.MaxPackageSize)),
		plugins.WithMaxFileSize(int64(cfg.Validation.MaxSourceFileSize)),
	)
	m.resolver = dependencies.NewResolver(
		dependencies.WithHostVersion(cfg.HostSemVer()),
		dependencies.WithLogger(m.logger),
	)
	m.cache = discovery.NewManifestCache(512, 10*time.Minute)

	m.loader, err = loader.New(loader.Options{
		InstallRoot:    cfg.InstallRoot(),
		TempRoot:       cfg.TempRoot(),
		DataDir:        cfg.DataDir(),
		Validator:      m.validator,
		Registry:       reg,
		Limits:         cfg.Limits(),
		Logger:         m.logger,
		SandboxOptions: m.sandboxOpts,
		OnViolation:    m.onViolation,
	})
	if err != nil {
		reg.Close()
		return nil, err
	}

	m.bus = hooks.NewBus(hooks.WithLogger(m.logger), hooks.WithObserver(m.metrics.RecordHook))
	m.pool = async.NewWorkerPool(context.WithoutCancel(ctx), cfg.Workers, "plugin calls", 0, m.logger)
	if m.market != nil {
		m.versions = marketplace.NewVersionManager(m.market, m.logger)
	}

	if err := m.settle(ctx); err != nil {
		m.pool.Shutdown(time.Second)
		reg.Close()
		return nil, err
	}
	m.refreshGauges()
	return m, nil
}

// OpenStore opens the registry backing store selected by cfg
func OpenStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (registry.Store, error) {
	switch cfg.Registry.Driver {
	case config.DriverFile, "":
		path := cfg.Registry.DSN
		if path == "" {
			path = cfg.RegistryPath()
		}
		return registry.NewFileStore(path, logger), nil
	case config.DriverSQLite, config.DriverPostgres:
		store, err := registry.OpenSQLStore(ctx, cfg.Registry.Driver, cfg.Registry.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s registry: %w", cfg.Registry.Driver, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", cfg.Registry.Driver)
	}
}

// settle moves records that claim a live sandbox to Unloaded. No sandbox
// survives a restart; enabled plugins come back through LoadAll.
func (m *Manager) settle(ctx context.Context) error {
	for _, rec := range m.registry.List(registry.Filter{}) {
		if !rec.State.IsLoaded() {
			continue
		}
		m.logger.WithField("plugin", rec.Name()).Debugf("Settling stale state %s", rec.State)
		if _, err := m.registry.SetState(ctx, rec.Name(), plugins.StateUnloaded, nil); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns the plugin registry
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Bus returns the hook bus
func (m *Manager) Bus() *hooks.Bus {
	return m.bus
}

// Marketplace returns the marketplace client, or nil
func (m *Manager) Marketplace() *marketplace.Client {
	return m.market
}

// Config returns the configuration the manager was built with
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// newDiscovery returns a discovery over the configured roots. Callers own
// its staging directories and must call Cleanup.
func (m *Manager) newDiscovery() *discovery.Discovery {
	roots := m.cfg.SearchRoots()
	droots := make([]discovery.Root, len(roots))
	for i, r := range roots {
		droots[i] = discovery.Root{Name: r.Name, Path: r.Path}
	}
	return discovery.New(droots,
		discovery.WithStagingDir(m.cfg.StagingDir()),
		discovery.WithCache(m.cache),
		discovery.WithLogger(m.logger),
		discovery.WithConcurrency(m.cfg.Workers),
		discovery.WithStrictManifests(m.cfg.Validation.Strict),
		discovery.WithMaxArchiveSize(int64(m.cfg.Validation.MaxPackageSize)),
	)
}

func (m *Manager) checkOpen() error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (m *Manager) onViolation(err *plugins.SecurityError) {
	m.metrics.RecordViolation(err.Plugin, err.Operation)
}

func (m *Manager) refreshGauges() {
	m.metrics.SetStateCounts(m.registry.Stats().ByState)
}

func (m *Manager) log(name string) *logrus.Entry {
	return m.logger.WithField("plugin", name)
}

// Close stops every loaded plugin, keeping the enabled flags so the next
// LoadAll brings them back, then releases the pool and the registry.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	m.closeOnce.Do(func() {
		for _, name := range m.loader.Loaded() {
			unlock := m.locks.Lock(name)
			if _, err := m.stop(ctx, name); err != nil {
				errs = append(errs, err)
			}
			unlock()
		}
		close(m.closed)

		if err := m.pool.Shutdown(10 * time.Second); err != nil {
			errs = append(errs, err)
		}
		if err := m.loader.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := m.registry.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
