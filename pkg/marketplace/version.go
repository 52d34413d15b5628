package marketplace

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Update is a newer marketplace version of an installed plugin
type Update struct {
	Name    string   `json:"name"`
	Current string   `json:"current"`
	Latest  string   `json:"latest"`
	Listing *Listing `json:"listing"`
}

// VersionManager compares installed plugins against the marketplace
type VersionManager struct {
	client      *Client
	logger      *logrus.Logger
	concurrency int
}

// NewVersionManager creates a version manager over client
func NewVersionManager(client *Client, logger *logrus.Logger) *VersionManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &VersionManager{client: client, logger: logger, concurrency: 4}
}

// Latest returns the newest marketplace listing for name
func (vm *VersionManager) Latest(ctx context.Context, name string) (*Listing, error) {
	return vm.client.Get(ctx, name)
}

// Compare orders two versions; see Compare
func (vm *VersionManager) Compare(a, b string) int {
	return Compare(a, b)
}

// CheckUpdates looks up every installed name -> version and returns the
// plugins with a strictly greater marketplace version, sorted by name.
// Plugins missing from the marketplace are skipped; lookup failures are
// logged and skipped.
func (vm *VersionManager) CheckUpdates(ctx context.Context, installed map[string]string) ([]Update, error) {
	var (
		mu      sync.Mutex
		updates []Update
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(vm.concurrency)
	for name, current := range installed {
		g.Go(func() error {
			vm.logger.Debugf("Checking updates for %s", name)
			latest, err := vm.client.Get(gctx, name)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if !errors.Is(err, plugins.ErrPluginNotFound) {
					vm.logger.WithError(err).Warnf("Update check for %s failed", name)
				}
				return nil
			}
			if Compare(latest.Version, current) > 0 {
				mu.Lock()
				updates = append(updates, Update{Name: name, Current: current, Latest: latest.Version, Listing: latest})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].Name < updates[j].Name })
	return updates, nil
}
