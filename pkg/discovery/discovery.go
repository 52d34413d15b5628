package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Root is one discovery search path. Roots are scanned in the order given and
// earlier roots take precedence.
type Root struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (r Root) String() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Path
}

// Candidate is a discovered plugin package.
type Candidate struct {
	Manifest *plugins.Manifest `json:"manifest"`
	// Dir holds the package contents: the entry directory itself, or the
	// staging directory an archive was extracted to.
	Dir string `json:"dir"`
	// Source is the directory or archive found in the root.
	Source  string `json:"source"`
	Root    string `json:"root"`
	Archive bool   `json:"archive"`
}

// Conflict reports candidates excluded because of a duplicate within one root.
type Conflict struct {
	Name    string   `json:"name"`
	Root    string   `json:"root"`
	Sources []string `json:"sources"`
	Reason  string   `json:"reason"`
}

// EntryError is a root entry that could not be read as a plugin package.
type EntryError struct {
	Source string `json:"source"`
	Err    error  `json:"-"`
}

func (e EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

// Result is the outcome of a full discovery pass.
type Result struct {
	Candidates []*Candidate `json:"candidates"`
	Conflicts  []Conflict   `json:"conflicts,omitempty"`
	Shadowed   []*Candidate `json:"shadowed,omitempty"`
	Errors     []EntryError `json:"errors,omitempty"`
}

// ByName returns the winning candidate for name.
func (r *Result) ByName(name string) (*Candidate, bool) {
	for _, c := range r.Candidates {
		if c.Manifest.Name == name {
			return c, true
		}
	}
	return nil, false
}

// ByType returns the candidates of one plugin kind.
func (r *Result) ByType(t plugins.PluginType) []*Candidate {
	var out []*Candidate
	for _, c := range r.Candidates {
		if c.Manifest.PluginType == t {
			out = append(out, c)
		}
	}
	return out
}

// Manifests returns the manifests of every winning candidate.
func (r *Result) Manifests() []*plugins.Manifest {
	out := make([]*plugins.Manifest, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		out = append(out, c.Manifest)
	}
	return out
}

// Discovery enumerates plugin packages across ordered search roots. It holds
// no state that affects correctness; every pass re-scans all roots.
type Discovery struct {
	roots          []Root
	staging        string
	cache          *ManifestCache
	logger         *logrus.Logger
	concurrency    int
	strict         bool
	maxArchiveSize int64

	mu     sync.Mutex
	staged []string
}

// Option configures Discovery
type Option func(*Discovery)

// WithStagingDir sets where archives are extracted
func WithStagingDir(dir string) Option {
	return func(d *Discovery) {
		d.staging = dir
	}
}

// WithCache sets the manifest cache
func WithCache(cache *ManifestCache) Option {
	return func(d *Discovery) {
		d.cache = cache
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(d *Discovery) {
		d.logger = logger
	}
}

// WithConcurrency bounds parallel manifest parsing
func WithConcurrency(n int) Option {
	return func(d *Discovery) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithStrictManifests rejects unknown manifest fields
func WithStrictManifests(strict bool) Option {
	return func(d *Discovery) {
		d.strict = strict
	}
}

// WithMaxArchiveSize bounds the extracted size of an archive package
func WithMaxArchiveSize(n int64) Option {
	return func(d *Discovery) {
		if n > 0 {
			d.maxArchiveSize = n
		}
	}
}

// New creates a Discovery over roots
func New(roots []Root, opts ...Option) *Discovery {
	d := &Discovery{
		roots:          roots,
		concurrency:    runtime.NumCPU(),
		maxArchiveSize: DefaultMaxArchiveSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logrus.New()
	}
	if d.cache == nil {
		d.cache = NewManifestCache(256, time.Hour)
	}
	if d.staging == "" {
		d.staging = filepath.Join(os.TempDir(), "hangar-staging")
	}
	return d
}

// Cache returns the manifest cache
func (d *Discovery) Cache() *ManifestCache {
	return d.cache
}

// Discover scans every root and returns the deduplicated candidates.
func (d *Discovery) Discover(ctx context.Context) (*Result, error) {
	res := &Result{}
	err := d.walk(ctx, res, func(c *Candidate) error {
		res.Candidates = append(res.Candidates, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Debugf("Discovered %d plugins (%d conflicts, %d shadowed)",
		len(res.Candidates), len(res.Conflicts), len(res.Shadowed))
	return res, nil
}

// Walk streams winning candidates root by root in precedence order. fn may
// stop the walk by returning an error.
func (d *Discovery) Walk(ctx context.Context, fn func(*Candidate) error) error {
	return d.walk(ctx, &Result{}, fn)
}

// walk visits roots in precedence order. A name claimed by an earlier root
// shadows every later copy, including when that root excluded all of its
// copies as conflicting: resolving the conflict is left to the operator
// rather than falling back to a lower-precedence root.
func (d *Discovery) walk(ctx context.Context, res *Result, fn func(*Candidate) error) error {
	seen := make(map[string]*Candidate)
	conflicted := make(map[string]string)
	for _, root := range d.roots {
		if err := ctx.Err(); err != nil {
			return err
		}

		candidates, errs, err := d.scanRoot(ctx, root)
		if err != nil {
			return err
		}
		res.Errors = append(res.Errors, errs...)

		kept, conflicts := dedupeRoot(root, candidates)
		res.Conflicts = append(res.Conflicts, conflicts...)
		for _, c := range conflicts {
			d.logger.WithField("plugin", c.Name).Warnf("Discovery conflict in %s: %s", c.Root, c.Reason)
		}

		for _, c := range kept {
			if winner, ok := seen[c.Manifest.Name]; ok {
				d.logger.WithField("plugin", c.Manifest.Name).Debugf("%s shadowed by %s", c.Source, winner.Source)
				res.Shadowed = append(res.Shadowed, c)
				continue
			}
			if at, ok := conflicted[c.Manifest.Name]; ok {
				d.logger.WithField("plugin", c.Manifest.Name).Debugf("%s shadowed by the conflict in %s", c.Source, at)
				res.Shadowed = append(res.Shadowed, c)
				continue
			}
			seen[c.Manifest.Name] = c
			if err := fn(c); err != nil {
				return err
			}
		}
		for _, c := range conflicts {
			if _, ok := seen[c.Name]; !ok {
				if _, ok := conflicted[c.Name]; !ok {
					conflicted[c.Name] = c.Root
				}
			}
		}
	}
	return nil
}

// scanRoot lists one root and parses every entry in parallel. Missing roots
// are skipped.
func (d *Discovery) scanRoot(ctx context.Context, root Root) ([]*Candidate, []EntryError, error) {
	entries, err := os.ReadDir(root.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.logger.Debugf("Search root %s does not exist", root.Path)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to list %s: %w", root.Path, err)
	}

	var sources []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(root.Path, name)
		if e.IsDir() || IsArchive(name) {
			sources = append(sources, path)
			continue
		}
		// Follow symlinked package directories.
		if e.Type()&os.ModeSymlink != 0 {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				sources = append(sources, path)
			}
		}
	}
	sort.Strings(sources)

	candidates := make([]*Candidate, len(sources))
	errs := make([]error, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := d.inspect(src)
			if err != nil {
				errs[i] = err
				return nil
			}
			c.Root = root.String()
			candidates[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var out []*Candidate
	var entryErrs []EntryError
	for i, c := range candidates {
		if errs[i] != nil {
			// Plain directories without a manifest are not packages.
			if errors.Is(errs[i], fs.ErrNotExist) && !IsArchive(sources[i]) {
				continue
			}
			d.logger.WithError(errs[i]).Warnf("Skipping %s", sources[i])
			entryErrs = append(entryErrs, EntryError{Source: sources[i], Err: errs[i]})
			continue
		}
		out = append(out, c)
	}
	return out, entryErrs, nil
}

// Inspect reads a single package directory or archive.
func (d *Discovery) Inspect(ctx context.Context, path string) (*Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return d.inspect(abs)
}

func (d *Discovery) inspect(src string) (*Candidate, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}

	c := &Candidate{Source: src, Dir: src}
	if !info.IsDir() {
		if !IsArchive(src) {
			return nil, fmt.Errorf("%s is neither a directory nor a supported archive", src)
		}
		dir, err := d.extract(src)
		if err != nil {
			return nil, err
		}
		c.Dir = dir
		c.Archive = true
	}

	manifestPath, err := plugins.FindManifest(c.Dir)
	if err != nil {
		return nil, err
	}
	m, err := d.cache.Load(manifestPath, plugins.WithStrict(d.strict))
	if err != nil {
		return nil, err
	}
	c.Manifest = m
	return c, nil
}

// extract unpacks an archive into a fresh staging directory. A package whose
// contents sit in a single top-level directory is unwrapped.
func (d *Discovery) extract(archive string) (string, error) {
	dest := filepath.Join(d.staging, ArchiveBase(archive)+"-"+uuid.NewString())
	d.mu.Lock()
	d.staged = append(d.staged, dest)
	d.mu.Unlock()

	if err := Extract(archive, dest, d.maxArchiveSize); err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", archive, err)
	}

	if _, err := plugins.FindManifest(dest); err == nil {
		return dest, nil
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dest, entries[0].Name()), nil
	}
	return dest, nil
}

// Cleanup removes every staging directory created by this Discovery.
func (d *Discovery) Cleanup() error {
	d.mu.Lock()
	staged := d.staged
	d.staged = nil
	d.mu.Unlock()

	var errs []error
	for _, dir := range staged {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dedupeRoot applies the same-root duplicate rules. An identical name@version
// keeps the first entry in lexical order. Different versions of one name are
// all excluded until an operator removes the ambiguity.
func dedupeRoot(root Root, candidates []*Candidate) ([]*Candidate, []Conflict) {
	byName := make(map[string][]*Candidate)
	var order []string
	for _, c := range candidates {
		name := c.Manifest.Name
		if _, ok := byName[name]; !ok {
			order = append(order, name)
		}
		byName[name] = append(byName[name], c)
	}

	var kept []*Candidate
	var conflicts []Conflict
	for _, name := range order {
		group := byName[name]
		if len(group) == 1 {
			kept = append(kept, group[0])
			continue
		}

		sameVersion := true
		sources := make([]string, 0, len(group))
		versions := make([]string, 0, len(group))
		for _, c := range group {
			sources = append(sources, c.Source)
			versions = append(versions, c.Manifest.Version)
			if c.Manifest.Version != group[0].Manifest.Version {
				sameVersion = false
			}
		}

		if sameVersion {
			kept = append(kept, group[0])
			conflicts = append(conflicts, Conflict{
				Name:    name,
				Root:    root.String(),
				Sources: sources[1:],
				Reason:  fmt.Sprintf("duplicate %s already provided by %s", group[0].Manifest.Key(), group[0].Source),
			})
			continue
		}
		conflicts = append(conflicts, Conflict{
			Name:    name,
			Root:    root.String(),
			Sources: sources,
			Reason:  fmt.Sprintf("multiple versions (%s) in the same root", strings.Join(versions, ", ")),
		})
	}
	return kept, conflicts
}
