package discovery

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxArchiveSize bounds the total extracted size of one package.
const DefaultMaxArchiveSize = 100 * 1024 * 1024

// ArchiveExtensions lists the package archive formats discovery understands.
var ArchiveExtensions = []string{".zip", ".tar", ".tar.gz", ".tgz", ".tar.bz2"}

var (
	// ErrUnsafeArchive is returned for entries that would land outside the
	// extraction directory or that are links.
	ErrUnsafeArchive = errors.New("unsafe archive entry")
	// ErrArchiveTooLarge is returned when extraction exceeds the size limit.
	ErrArchiveTooLarge = errors.New("archive exceeds size limit")
)

// IsArchive reports whether name has a supported archive extension.
func IsArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range ArchiveExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ArchiveBase strips the archive extension from a file name.
func ArchiveBase(name string) string {
	base := filepath.Base(name)
	lower := strings.ToLower(base)
	for _, ext := range []string{".tar.gz", ".tar.bz2", ".tgz", ".tar", ".zip"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}

// Extract unpacks archivePath into dest, rejecting path traversal, links and
// content beyond limit bytes.
func Extract(archivePath, dest string, limit int64) error {
	if limit <= 0 {
		limit = DefaultMaxArchiveSize
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("failed to create extraction dir: %w", err)
	}

	lower := strings.ToLower(archivePath)
	if strings.HasSuffix(lower, ".zip") {
		return extractZip(archivePath, dest, limit)
	}
	return extractTar(archivePath, dest, limit)
}

func extractZip(archivePath, dest string, limit int64) error {
	r, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		r.Close()
		return fmt.Errorf("%w: %v", ErrUnsafeArchive, err)
	}
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	budget := &sizeBudget{remaining: limit}
	for _, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			return fmt.Errorf("%w: %s is a link", ErrUnsafeArchive, f.Name)
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		case !mode.IsRegular():
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		err = writeEntry(target, rc, mode.Perm(), budget)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTar(archivePath, dest string, limit int64) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	var reader io.Reader = file
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gzReader, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	case strings.HasSuffix(lower, ".tar.bz2"):
		reader = bzip2.NewReader(file)
	}

	budget := &sizeBudget{remaining: limit}
	tarReader := tar.NewReader(reader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}

		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tarReader, header.FileInfo().Mode().Perm(), budget); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: %s is a link", ErrUnsafeArchive, header.Name)
		}
	}
}

type sizeBudget struct {
	remaining int64
}

func writeEntry(target string, r io.Reader, perm os.FileMode, budget *sizeBudget) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0600)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, budget.remaining+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", target, err)
	}
	budget.remaining -= n
	if budget.remaining < 0 {
		return ErrArchiveTooLarge
	}
	return nil
}

// safeJoin joins an archive entry name onto dest, rejecting absolute names
// and names that climb out of dest.
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%w: %s escapes the extraction dir", ErrUnsafeArchive, name)
	}
	return filepath.Join(dest, clean), nil
}
