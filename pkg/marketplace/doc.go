// Package marketplace finds, ranks and downloads plugins from remote repositories.
//
// # Repositories
//
// A Repository is either an HTTP API (HTTPRepository) or a static index in
// S3 (S3Repository, s3://bucket/prefix/index.json). HTTP repositories
// authenticate with a static bearer token or OAuth2 client credentials.
//
//	repo, err := marketplace.NewRepository(ctx, "https://plugins.hangar.dev/api", marketplace.RepositoryOptions{
//		Auth:    marketplace.AuthConfig{Token: token},
//		Timeout: 30 * time.Second,
//	})
//
// # Client
//
// Client.Search queries every repository in parallel, keeps the highest
// version of each plugin name and ranks results with Score. Results are
// cached in a MemoryCache or, when several hosts share one, a RedisCache.
// Client.Download streams a package to disk and verifies its sha256.
//
//	client := marketplace.NewClient(repos, marketplace.WithCache(cache))
//	results, err := client.Search(ctx, marketplace.SearchQuery{Query: "s3"})
//	path, err := client.Download(ctx, results[0], dir)
//
// # Updates
//
// VersionManager.CheckUpdates compares installed versions with the newest
// listings under semver ordering.
package marketplace
