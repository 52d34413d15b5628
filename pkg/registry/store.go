package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the durable backing of the registry. Implementations must make
// every Save and Delete atomic: after a crash the persisted record is either
// the previous or the new version.
type Store interface {
	Load(ctx context.Context) (map[string]*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, name string) error
	Close() error
}

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path. The directory is synced afterwards so the rename
// itself survives a crash.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse to fsync directories; the rename already happened.
	_ = d.Sync()
	return nil
}
