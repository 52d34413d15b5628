package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// maxResponseSize bounds JSON responses from repositories
const maxResponseSize = 10 * 1024 * 1024

// AuthConfig holds repository credentials. A client ID selects the OAuth2
// client credentials flow; otherwise a non-empty Token is sent as a bearer token.
type AuthConfig struct {
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// StatusError is returned for unexpected repository responses
type StatusError struct {
	Repository string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("repository %s returned status %d for %s", e.Repository, e.StatusCode, e.URL)
}

// HTTPRepository talks to a repository API:
//
//	GET {base}/search?q=&category=&type=&author=&tags=&min_rating=&limit=
//	GET {base}/plugins/{name}
//	GET {download_url}
type HTTPRepository struct {
	name   string
	base   *url.URL
	client *http.Client
}

// NewHTTPRepository creates a repository for the API at rawURL. ctx is used
// for token requests and must outlive the repository.
func NewHTTPRepository(ctx context.Context, rawURL string, auth AuthConfig, timeout time.Duration) (*HTTPRepository, error) {
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid repository URL %q: %w", rawURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid repository URL %q: scheme must be http or https", rawURL)
	}

	var client *http.Client
	switch {
	case auth.ClientID != "":
		cc := &clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		client = cc.Client(ctx)
	case auth.Token != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: auth.Token,
			TokenType:   "Bearer",
		}))
	default:
		client = &http.Client{}
	}
	if timeout > 0 {
		client.Timeout = timeout
	}

	return &HTTPRepository{
		name:   base.Host,
		base:   base,
		client: client,
	}, nil
}

// Name returns the repository host
func (r *HTTPRepository) Name() string {
	return r.name
}

type searchResponse struct {
	Plugins []*Listing `json:"plugins"`
}

// Search queries the repository search endpoint
func (r *HTTPRepository) Search(ctx context.Context, q SearchQuery) ([]*Listing, error) {
	params := url.Values{}
	params.Set("q", q.Query)
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	if q.Type != "" {
		params.Set("type", string(q.Type))
	}
	if q.Author != "" {
		params.Set("author", q.Author)
	}
	if len(q.Tags) > 0 {
		params.Set("tags", strings.Join(q.Tags, ","))
	}
	if q.MinRating > 0 {
		params.Set("min_rating", strconv.FormatFloat(q.MinRating, 'f', -1, 64))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	params.Set("limit", strconv.Itoa(limit))

	var resp searchResponse
	if err := r.getJSON(ctx, r.base.JoinPath("search"), params, &resp); err != nil {
		return nil, err
	}
	out := make([]*Listing, 0, len(resp.Plugins))
	for _, l := range resp.Plugins {
		if l == nil || l.Name == "" || l.Version == "" {
			continue
		}
		l.Repository = r.name
		out = append(out, l)
	}
	return out, nil
}

// Get fetches the details of a single plugin
func (r *HTTPRepository) Get(ctx context.Context, name string) (*Listing, error) {
	var l Listing
	if err := r.getJSON(ctx, r.base.JoinPath("plugins", name), nil, &l); err != nil {
		return nil, err
	}
	if l.Name == "" {
		return nil, notFound(name)
	}
	l.Repository = r.name
	return &l, nil
}

// Fetch opens the package at the listing's download URL. Relative URLs
// resolve against the repository base.
func (r *HTTPRepository) Fetch(ctx context.Context, l *Listing) (io.ReadCloser, error) {
	target, err := r.base.Parse(l.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("invalid download URL %q: %w", l.DownloadURL, err)
	}
	resp, err := r.do(ctx, target)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, notFound(l.Key())
		}
		return nil, &StatusError{Repository: r.name, URL: target.String(), StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

func (r *HTTPRepository) do(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("repository %s request failed: %w", r.name, err)
	}
	return resp, nil
}

func (r *HTTPRepository) getJSON(ctx context.Context, u *url.URL, params url.Values, out any) error {
	if params != nil {
		u.RawQuery = params.Encode()
	}
	resp, err := r.do(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return notFound(u.Path)
	default:
		return &StatusError{Repository: r.name, URL: u.String(), StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", r.name, err)
	}
	return nil
}
