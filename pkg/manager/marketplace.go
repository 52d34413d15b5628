package manager

import (
	"context"
	"fmt"

	"github.com/platinummonkey/hangar/pkg/config"
	"github.com/platinummonkey/hangar/pkg/marketplace"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/sirupsen/logrus"
)

// NewMarketplace builds a marketplace client from cfg. Repositories that
// cannot be constructed are skipped with a warning. The returned func
// releases the shared cache connection, if any.
func NewMarketplace(ctx context.Context, cfg *config.Config, logger *logrus.Logger, metrics *observability.Metrics) (*marketplace.Client, func() error, error) {
	mc := cfg.Marketplace
	opts := marketplace.RepositoryOptions{
		Auth: marketplace.AuthConfig{
			Token:        mc.Token,
			ClientID:     mc.ClientID,
			ClientSecret: mc.ClientSecret,
			TokenURL:     mc.TokenURL,
		},
		Timeout: mc.Timeout,
	}

	var repos []marketplace.Repository
	for _, u := range mc.URLs {
		repo, err := marketplace.NewRepository(ctx, u, opts)
		if err != nil {
			logger.WithError(err).Warnf("Skipping marketplace repository %s", u)
			continue
		}
		repos = append(repos, repo)
	}

	closer := func() error { return nil }
	clientOpts := []marketplace.Option{
		marketplace.WithLogger(logger),
		marketplace.WithMetrics(metrics),
		marketplace.WithTimeout(mc.Timeout),
		marketplace.WithDownloadTimeout(mc.DownloadTimeout),
	}
	if mc.RedisURL != "" {
		cache, err := marketplace.NewRedisCache(ctx, mc.RedisURL, mc.CacheTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect marketplace cache: %w", err)
		}
		clientOpts = append(clientOpts, marketplace.WithCache(cache))
		closer = cache.Close
	} else if mc.CacheTTL > 0 {
		clientOpts = append(clientOpts, marketplace.WithCache(marketplace.NewMemoryCache(256, mc.CacheTTL)))
	}

	return marketplace.NewClient(repos, clientOpts...), closer, nil
}
