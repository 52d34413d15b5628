package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/hangar/pkg/marketplace"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// AutoUpdater checks the marketplace for newer plugin versions on a cron
// schedule and, when configured to, applies them.
type AutoUpdater struct {
	manager  *Manager
	schedule string
	apply    bool
	timeout  time.Duration
	logger   *logrus.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
	last    *UpdateRun
}

// UpdateRun is the result of one scheduled pass
type UpdateRun struct {
	Started   time.Time            `json:"started"`
	Available []marketplace.Update `json:"available"`
	Applied   []*UpdateReport      `json:"applied,omitempty"`
	Err       error                `json:"-"`
}

// NewAutoUpdater schedules update checks from the marketplace configuration.
// It returns an error when no schedule is configured.
func (m *Manager) NewAutoUpdater() (*AutoUpdater, error) {
	mc := m.cfg.Marketplace
	if mc.UpdateSchedule == "" {
		return nil, errors.New("no update schedule configured")
	}
	if m.versions == nil {
		return nil, marketplace.ErrNoRepositories
	}

	u := &AutoUpdater{
		manager:  m,
		schedule: mc.UpdateSchedule,
		apply:    mc.AutoUpdate,
		timeout:  30 * time.Minute,
		logger:   m.logger,
		cron:     cron.New(),
	}
	if _, err := u.cron.AddFunc(mc.UpdateSchedule, func() { u.Run(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid update schedule %q: %w", mc.UpdateSchedule, err)
	}
	return u, nil
}

// Start runs the scheduler in the background
func (u *AutoUpdater) Start() {
	u.cron.Start()
	u.logger.Infof("Update checks scheduled at %q (auto-apply: %t)", u.schedule, u.apply)
}

// Stop halts the scheduler and waits for a running pass to finish or ctx to end
func (u *AutoUpdater) Stop(ctx context.Context) error {
	done := u.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Last returns the most recent pass, or nil
func (u *AutoUpdater) Last() *UpdateRun {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

// Run performs one pass immediately. Overlapping passes are skipped.
func (u *AutoUpdater) Run(ctx context.Context) *UpdateRun {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		u.logger.Warn("Previous update pass still running, skipping")
		return nil
	}
	u.running = true
	u.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	run := &UpdateRun{Started: time.Now().UTC()}
	defer func() {
		u.mu.Lock()
		u.running = false
		u.last = run
		u.mu.Unlock()
	}()

	run.Available, run.Err = u.manager.CheckUpdates(ctx)
	if run.Err != nil {
		u.logger.WithError(run.Err).Error("Update check failed")
		return run
	}
	if len(run.Available) == 0 {
		u.logger.Debug("All plugins are up to date")
		return run
	}
	if !u.apply {
		for _, up := range run.Available {
			u.logger.Infof("Update available: %s %s -> %s", up.Name, up.Current, up.Latest)
		}
		return run
	}

	var errs []error
	for _, up := range run.Available {
		report, err := u.manager.Update(ctx, up.Name)
		if report != nil && (report.Updated || report.RolledBack) {
			run.Applied = append(run.Applied, report)
		}
		if err != nil {
			u.logger.WithField("plugin", up.Name).WithError(err).Error("Automatic update failed")
			errs = append(errs, err)
		}
	}
	run.Err = errors.Join(errs...)
	return run
}
