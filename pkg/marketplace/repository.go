package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"
)

// Repository is a source of plugin listings and packages
type Repository interface {
	// Name identifies the repository in listings and logs
	Name() string

	// Search returns listings matching q. Repositories may apply the text
	// query with their own relevance rules.
	Search(ctx context.Context, q SearchQuery) ([]*Listing, error)

	// Get returns the newest listing for name, or an error wrapping
	// plugins.ErrPluginNotFound.
	Get(ctx context.Context, name string) (*Listing, error)

	// Fetch opens the package archive of a listing
	Fetch(ctx context.Context, l *Listing) (io.ReadCloser, error)
}

// RepositoryOptions configure repositories built by NewRepository
type RepositoryOptions struct {
	Auth    AuthConfig
	Timeout time.Duration
	S3      S3Options
}

// NewRepository builds a repository from a URL: http and https URLs
// point at a repository API, s3://bucket/prefix at a static index.
func NewRepository(ctx context.Context, rawURL string, opts RepositoryOptions) (Repository, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid repository URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPRepository(ctx, rawURL, opts.Auth, opts.Timeout)
	case "s3":
		return NewS3Repository(ctx, rawURL, opts.S3)
	default:
		return nil, fmt.Errorf("unsupported repository scheme %q", u.Scheme)
	}
}

// filterListings applies q fully, for repositories that serve a static index
func filterListings(items []*Listing, q SearchQuery) []*Listing {
	var out []*Listing
	for _, l := range items {
		if q.matchText(l) && q.matchFilters(l) {
			out = append(out, l)
		}
	}
	return out
}

// newest returns the highest version of name among items
func newest(items []*Listing, name string) *Listing {
	var best *Listing
	for _, l := range items {
		if l.Name != name {
			continue
		}
		if best == nil || Compare(l.Version, best.Version) > 0 {
			best = l
		}
	}
	return best
}
