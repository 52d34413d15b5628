package marketplace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/platinummonkey/hangar/pkg/discovery"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MaxDownloadSize bounds a package download
const MaxDownloadSize = 100 * 1024 * 1024

// Client searches and downloads across several repositories
type Client struct {
	repos           []Repository
	cache           Cache
	timeout         time.Duration
	downloadTimeout time.Duration
	maxDownload     int64
	logger          *logrus.Logger
	metrics         *observability.Metrics
	now             func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithCache replaces the default in-memory cache
func WithCache(cache Cache) Option {
	return func(c *Client) {
		if cache != nil {
			c.cache = cache
		}
	}
}

// WithTimeout sets the per-repository call timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDownloadTimeout sets the timeout for a whole package download
func WithDownloadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.downloadTimeout = d
		}
	}
}

// WithMaxDownloadSize sets the package size limit
func WithMaxDownloadSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxDownload = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records repository calls and cache lookups
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClock sets the time source used for recency scoring
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient creates a client over repos, queried in the given order
func NewClient(repos []Repository, opts ...Option) *Client {
	c := &Client{
		repos:           repos,
		cache:           NewMemoryCache(256, time.Hour),
		timeout:         30 * time.Second,
		downloadTimeout: 5 * time.Minute,
		maxDownload:     MaxDownloadSize,
		logger:          logrus.New(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Repositories returns the repository names
func (c *Client) Repositories() []string {
	names := make([]string, len(c.repos))
	for i, r := range c.repos {
		names[i] = r.Name()
	}
	return names
}

func (c *Client) repository(name string) Repository {
	for _, r := range c.repos {
		if r.Name() == name {
			return r
		}
	}
	return nil
}

// call runs fn against repo under the per-call timeout
func (c *Client) call(ctx context.Context, repo Repository, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	c.metrics.RecordMarketplace(repo.Name(), op, err != nil && !errors.Is(err, plugins.ErrPluginNotFound), time.Since(start))
	return err
}

// Search queries every repository in parallel, keeps the highest version of
// each name and returns the results ranked by Score. Failing repositories are
// logged and skipped; Search fails only when every repository failed.
func (c *Client) Search(ctx context.Context, q SearchQuery) ([]*Listing, error) {
	if len(c.repos) == 0 {
		return nil, ErrNoRepositories
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	key := q.cacheKey()
	if items, ok := c.cache.Get(ctx, key); ok {
		c.metrics.RecordCache("marketplace", true)
		c.logger.Debugf("Returning cached search results for: %s", q.Query)
		return truncate(items, limit), nil
	}
	c.metrics.RecordCache("marketplace", false)

	repoQuery := q
	repoQuery.Limit = max(q.Limit, 100)

	results := make([][]*Listing, len(c.repos))
	errs := make([]error, len(c.repos))
	var g errgroup.Group
	for i, repo := range c.repos {
		g.Go(func() error {
			err := c.call(ctx, repo, "search", func(ctx context.Context) error {
				items, err := repo.Search(ctx, repoQuery)
				results[i] = items
				return err
			})
			if err != nil {
				c.logger.WithError(err).Warnf("Repository %s search failed", repo.Name())
				errs[i] = fmt.Errorf("%s: %w", repo.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !slices.Contains(errs, nil) {
		return nil, fmt.Errorf("all marketplace repositories failed: %w", errors.Join(errs...))
	}

	var merged []*Listing
	for _, l := range dedupe(results) {
		if q.matchFilters(l) {
			merged = append(merged, l)
		}
	}
	c.rank(merged, q.Query)
	c.cache.Set(ctx, key, merged)

	c.logger.Debugf("Found %d plugins for query: %s", len(merged), q.Query)
	return truncate(merged, limit), nil
}

// Get returns the highest version of name across all repositories
func (c *Client) Get(ctx context.Context, name string) (*Listing, error) {
	if len(c.repos) == 0 {
		return nil, ErrNoRepositories
	}

	key := "get|" + name
	if items, ok := c.cache.Get(ctx, key); ok && len(items) == 1 {
		c.metrics.RecordCache("marketplace", true)
		return items[0], nil
	}
	c.metrics.RecordCache("marketplace", false)

	found := make([]*Listing, len(c.repos))
	errs := make([]error, len(c.repos))
	var g errgroup.Group
	for i, repo := range c.repos {
		g.Go(func() error {
			errs[i] = c.call(ctx, repo, "get", func(ctx context.Context) error {
				l, err := repo.Get(ctx, name)
				found[i] = l
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var best *Listing
	for _, l := range found {
		if l != nil && (best == nil || Compare(l.Version, best.Version) > 0) {
			best = l
		}
	}
	if best != nil {
		c.cache.Set(ctx, key, []*Listing{best})
		return best.Clone(), nil
	}

	var failures []error
	for i, err := range errs {
		if err != nil && !errors.Is(err, plugins.ErrPluginNotFound) {
			c.logger.WithError(err).Warnf("Repository %s lookup of %s failed", c.repos[i].Name(), name)
			failures = append(failures, err)
		}
	}
	if len(failures) == len(c.repos) {
		return nil, fmt.Errorf("lookup of %s failed: %w", name, errors.Join(failures...))
	}
	return nil, notFound(name)
}

// Download fetches the package of l into dir and verifies its sha256 against
// the listing checksum. It returns the path of the archive.
func (c *Client) Download(ctx context.Context, l *Listing, dir string) (string, error) {
	repo := c.repository(l.Repository)
	if repo == nil {
		return "", fmt.Errorf("unknown repository %q for %s", l.Repository, l.Key())
	}

	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	c.logger.Infof("Downloading plugin %s v%s", l.Name, l.Version)
	start := time.Now()
	path, err := c.download(ctx, repo, l, dir)
	c.metrics.RecordMarketplace(repo.Name(), "download", err != nil, time.Since(start))
	if err != nil {
		return "", err
	}
	c.logger.Infof("Successfully downloaded %s to %s", l.Name, path)
	return path, nil
}

func (c *Client) download(ctx context.Context, repo Repository, l *Listing, dir string) (string, error) {
	body, err := repo.Fetch(ctx, l)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", l.Key(), err)
	}
	defer body.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(body, c.maxDownload+1))
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", l.Key(), err)
	}
	if n > c.maxDownload {
		return "", fmt.Errorf("%w: %s is larger than %d bytes", ErrDownloadTooLarge, l.Key(), c.maxDownload)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	switch {
	case l.Checksum == "":
		c.logger.Warnf("Listing %s has no checksum; download not verified", l.Key())
	case !strings.EqualFold(sum, l.Checksum):
		return "", fmt.Errorf("%w: %s expected %s, got %s", ErrChecksumMismatch, l.Key(), l.Checksum, sum)
	}
	if l.Size > 0 && math.Abs(float64(n-l.Size)) > 1024 {
		c.logger.Warnf("Downloaded file size mismatch for %s: expected %d, got %d", l.Key(), l.Size, n)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write download: %w", err)
	}
	final := filepath.Join(dir, l.Name+"-"+l.Version+archiveExt(l.DownloadURL))
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store download: %w", err)
	}
	keep = true
	return final, nil
}

// ClearCache drops all cached results
func (c *Client) ClearCache(ctx context.Context) error {
	return c.cache.Purge(ctx)
}

// rank sorts by descending score, then name
func (c *Client) rank(items []*Listing, query string) {
	now := c.now()
	scores := make(map[*Listing]float64, len(items))
	for _, l := range items {
		scores[l] = Score(l, query, now)
	}
	slices.SortStableFunc(items, func(a, b *Listing) int {
		if sa, sb := scores[a], scores[b]; sa != sb {
			if sa > sb {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
}

// Score rates a listing for a query. Text relevance contributes up to 40
// points, rating up to 25, downloads up to 20 on a log scale, recency up to
// 10 and metadata completeness up to 5.
func Score(l *Listing, query string, now time.Time) float64 {
	score := 0.0

	if q := strings.ToLower(query); q != "" {
		if strings.Contains(strings.ToLower(l.Name), q) {
			score += 40
		} else if strings.Contains(strings.ToLower(l.Description), q) {
			score += 20
		}
	}

	score += min(max(l.Rating, 0), 5) * 5

	if l.Downloads > 0 {
		score += min(20, math.Log10(float64(l.Downloads))*4)
	}

	if !l.LastUpdated.IsZero() {
		age := now.Sub(l.LastUpdated)
		switch {
		case age < 30*24*time.Hour:
			score += 10
		case age < 90*24*time.Hour:
			score += 5
		}
	}

	if l.DocumentationURL != "" {
		score += 2
	}
	if l.HomepageURL != "" {
		score += 2
	}
	if len(l.Screenshots) > 0 {
		score += 1
	}

	return score
}

// dedupe keeps the highest version of each name, in first-seen order
func dedupe(results [][]*Listing) []*Listing {
	index := make(map[string]int)
	var out []*Listing
	for _, items := range results {
		for _, l := range items {
			if l == nil {
				continue
			}
			if i, ok := index[l.Name]; ok {
				if Compare(l.Version, out[i].Version) > 0 {
					out[i] = l
				}
				continue
			}
			index[l.Name] = len(out)
			out = append(out, l)
		}
	}
	return out
}

func truncate(items []*Listing, limit int) []*Listing {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

// archiveExt returns the archive extension of a download URL, .zip by default
func archiveExt(downloadURL string) string {
	p := downloadURL
	if u, err := url.Parse(downloadURL); err == nil {
		p = u.Path
	}
	best := ""
	for _, ext := range discovery.ArchiveExtensions {
		if strings.HasSuffix(strings.ToLower(p), ext) && len(ext) > len(best) {
			best = ext
		}
	}
	if best == "" {
		return ".zip"
	}
	return best
}
