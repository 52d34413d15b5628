package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/sirupsen/logrus"
)

// Registry is the authoritative set of installed plugins. Mutations are
// serialized behind a single writer lock and reach the Store before the
// in-memory view changes, so a failed write leaves the previous record intact.
type Registry struct {
	mu      sync.RWMutex
	store   Store
	records map[string]*Record
	logger  *logrus.Logger
}

// Open loads every persisted record from store
func Open(ctx context.Context, store Store, logger *logrus.Logger) (*Registry, error) {
	if logger == nil {
		logger = logrus.New()
	}
	records, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = make(map[string]*Record)
	}
	logger.Debugf("Registry opened with %d records", len(records))
	return &Registry{
		store:   store,
		records: records,
		logger:  logger,
	}, nil
}

// Upsert inserts or replaces the record for rec's plugin name.
func (r *Registry) Upsert(ctx context.Context, rec *Record) error {
	if rec == nil || rec.Manifest == nil {
		return fmt.Errorf("cannot register a record without a manifest")
	}
	if rec.State < plugins.StateInstalled {
		return fmt.Errorf("cannot persist %s in state %s", rec.Name(), rec.State)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := rec.Clone()
	now := time.Now().UTC()
	if next.InstalledAt.IsZero() {
		next.InstalledAt = now
	}
	if next.InstanceID == "" {
		next.InstanceID = uuid.NewString()
	}
	next.UpdatedAt = now

	if err := r.store.Save(ctx, next); err != nil {
		return plugins.NewPluginError(next.Name(), "registry save", err)
	}
	r.records[next.Name()] = next
	return nil
}

// Get returns a copy of the record for name
func (r *Registry) Get(name string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", plugins.ErrPluginNotFound, name)
	}
	return rec.Clone(), nil
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[name]
	return ok
}

// List returns copies of the matching records sorted by name
func (r *Registry) List(filter Filter) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		if filter.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Manifests returns the manifests of every registered plugin
func (r *Registry) Manifests() []*plugins.Manifest {
	recs := r.List(Filter{})
	out := make([]*plugins.Manifest, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Manifest)
	}
	return out
}

// Remove deletes the record for name
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[name]; !ok {
		return fmt.Errorf("%w: %s", plugins.ErrPluginNotFound, name)
	}
	if err := r.store.Delete(ctx, name); err != nil {
		return plugins.NewPluginError(name, "registry delete", err)
	}
	delete(r.records, name)
	return nil
}

// Update applies fn to a copy of the record and persists the result. When fn
// returns an error nothing is written.
func (r *Registry) Update(ctx context.Context, name string, fn func(*Record) error) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", plugins.ErrPluginNotFound, name)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.Name() != name {
		return nil, fmt.Errorf("record update may not rename %s to %s", name, next.Name())
	}
	next.UpdatedAt = time.Now().UTC()

	if err := r.store.Save(ctx, next); err != nil {
		return nil, plugins.NewPluginError(name, "registry save", err)
	}
	r.records[name] = next
	return next.Clone(), nil
}

// SetState records a lifecycle transition. Failed states keep the cause in
// LastError; any other state clears it.
func (r *Registry) SetState(ctx context.Context, name string, state plugins.State, cause error) (*Record, error) {
	return r.Update(ctx, name, func(rec *Record) error {
		rec.State = state
		rec.LastError = ""
		if cause != nil {
			rec.LastError = cause.Error()
		}
		return nil
	})
}

// Dependents returns the registered plugins with a required dependency on
// name, optionally only the enabled ones.
func (r *Registry) Dependents(name string, enabledOnly bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for n, rec := range r.records {
		if n == name || (enabledOnly && !rec.Enabled) {
			continue
		}
		if rec.Manifest.DependsOn(name, false) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Stats returns counts by state, type and enabled flag
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:   len(r.records),
		ByState: make(map[string]int),
		ByType:  make(map[string]int),
	}
	for _, rec := range r.records {
		if rec.Enabled {
			stats.Enabled++
		} else {
			stats.Disabled++
		}
		stats.ByState[rec.State.String()]++
		stats.ByType[string(rec.Manifest.PluginType)]++
	}
	return stats
}

// Export writes every record as an indented JSON document
func (r *Registry) Export(w io.Writer) error {
	recs := r.List(Filter{})
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		ExportedAt time.Time `json:"exported_at"`
		Plugins    []*Record `json:"plugins"`
	}{
		ExportedAt: time.Now().UTC(),
		Plugins:    recs,
	})
}

// Recover scans installRoot and registers plugins that have an install
// directory but no record in the store. The record file is preferred; a bare
// manifest yields a disabled record at Installed.
func (r *Registry) Recover(ctx context.Context, installRoot string) (int, error) {
	entries, err := os.ReadDir(installRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", installRoot, err)
	}

	recovered := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || r.Has(e.Name()) {
			continue
		}
		dir := filepath.Join(installRoot, e.Name())

		rec, err := ReadRecordFile(dir)
		if err != nil {
			m, merr := plugins.LoadManifestFromDir(dir)
			if merr != nil {
				r.logger.WithError(merr).Warnf("Cannot recover %s", dir)
				continue
			}
			rec = &Record{Manifest: m, State: plugins.StateInstalled}
		}
		if rec.Name() != e.Name() {
			r.logger.Warnf("Install directory %s holds plugin %q, skipping", dir, rec.Name())
			continue
		}
		rec.InstallPath = dir
		if rec.State < plugins.StateInstalled {
			rec.State = plugins.StateInstalled
		}

		if err := r.Upsert(ctx, rec); err != nil {
			return recovered, err
		}
		r.logger.WithField("plugin", rec.Name()).Infof("Recovered registry record from %s", dir)
		recovered++
	}
	return recovered, nil
}

// Len returns the number of records
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Close closes the backing store
func (r *Registry) Close() error {
	return r.store.Close()
}
