package marketplace

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/platinummonkey/hangar/pkg/plugins"
)

var (
	// ErrChecksumMismatch is returned when a downloaded package does not match its listing
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrNoRepositories is returned when the client has nothing to query
	ErrNoRepositories = errors.New("no marketplace repositories configured")

	// ErrDownloadTooLarge is returned when a package exceeds MaxDownloadSize
	ErrDownloadTooLarge = errors.New("download exceeds size limit")
)

// DefaultSearchLimit caps search results when the query sets no limit
const DefaultSearchLimit = 50

// Categories are the listing categories repositories use
var Categories = []string{
	"templates",
	"providers",
	"validators",
	"generators",
	"tools",
	"integrations",
	"security",
	"monitoring",
	"other",
}

// Listing is a plugin version offered by a repository
type Listing struct {
	Name             string             `json:"name"`
	Version          string             `json:"version"`
	Description      string             `json:"description"`
	Author           string             `json:"author"`
	Category         string             `json:"category,omitempty"`
	PluginType       plugins.PluginType `json:"plugin_type,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	Downloads        int64              `json:"downloads"`
	Rating           float64            `json:"rating"`
	LastUpdated      time.Time          `json:"last_updated"`
	Size             int64              `json:"size,omitempty"`
	Checksum         string             `json:"checksum,omitempty"` // hex sha256 of the package
	DownloadURL      string             `json:"download_url"`
	DocumentationURL string             `json:"documentation_url,omitempty"`
	HomepageURL      string             `json:"homepage_url,omitempty"`
	License          string             `json:"license,omitempty"`
	MinHostVersion   string             `json:"min_host_version,omitempty"`
	Screenshots      []string           `json:"screenshots,omitempty"`

	// Repository is the name of the repository the listing came from
	Repository string `json:"repository,omitempty"`
}

// Key returns name@version
func (l *Listing) Key() string {
	return l.Name + "@" + l.Version
}

// Clone returns a deep copy
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	c := *l
	c.Tags = slices.Clone(l.Tags)
	c.Screenshots = slices.Clone(l.Screenshots)
	return &c
}

// SearchQuery filters a marketplace search
type SearchQuery struct {
	Query     string             `json:"q,omitempty"`
	Category  string             `json:"category,omitempty"`
	Type      plugins.PluginType `json:"type,omitempty"`
	Author    string             `json:"author,omitempty"`
	Tags      []string           `json:"tags,omitempty"`
	MinRating float64            `json:"min_rating,omitempty"`
	Limit     int                `json:"limit,omitempty"`
}

func (q SearchQuery) cacheKey() string {
	tags := slices.Clone(q.Tags)
	slices.Sort(tags)
	return fmt.Sprintf("search|q:%s|cat:%s|type:%s|author:%s|tags:%s|rating:%g",
		strings.ToLower(q.Query), q.Category, q.Type, q.Author, strings.Join(tags, ","), q.MinRating)
}

// matchText reports whether the free-text query appears in the listing
func (q SearchQuery) matchText(l *Listing) bool {
	if q.Query == "" {
		return true
	}
	needle := strings.ToLower(q.Query)
	if strings.Contains(strings.ToLower(l.Name), needle) ||
		strings.Contains(strings.ToLower(l.Description), needle) {
		return true
	}
	for _, tag := range l.Tags {
		if strings.EqualFold(tag, q.Query) {
			return true
		}
	}
	return false
}

// matchFilters applies the structured filters
func (q SearchQuery) matchFilters(l *Listing) bool {
	if q.Category != "" && !strings.EqualFold(l.Category, q.Category) {
		return false
	}
	if q.Type != "" && l.PluginType != q.Type {
		return false
	}
	if q.Author != "" && !strings.EqualFold(l.Author, q.Author) {
		return false
	}
	if l.Rating < q.MinRating {
		return false
	}
	for _, want := range q.Tags {
		if !slices.ContainsFunc(l.Tags, func(tag string) bool { return strings.EqualFold(tag, want) }) {
			return false
		}
	}
	return true
}

// Compare orders two version strings under semver precedence; prereleases
// sort below their release. Unparseable versions fall back to string order.
func Compare(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

func notFound(name string) error {
	return fmt.Errorf("%s: %w", name, plugins.ErrPluginNotFound)
}
