// Package snapshot archives and restores agent data directories. An archive
// mirrors the live directory layout verbatim, including the agent's own copy
// of the runner, so a restored directory is immediately runnable with no
// externally installed orchestration software.
package snapshot

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

// requiredMarkers are the substructure an agent data directory (and any
// archive of one) must contain to be considered valid.
var requiredMarkers = []string{
	domain.RunnerDir,
	domain.SessionDir,
}

// ValidateDataDir checks that dir looks like an agent data directory.
func ValidateDataDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return &domain.ValidationError{Reason: fmt.Sprintf("directory does not exist: %s", dir)}
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return &domain.ValidationError{Reason: fmt.Sprintf("path is not a directory: %s", dir)}
	}

	for _, marker := range requiredMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err != nil {
			return &domain.ValidationError{Reason: fmt.Sprintf("not an agent data directory: missing %s/ in %s", marker, dir)}
		}
	}
	return nil
}

// Snapshot archives dataDir into a tar.gz at outPath. The archive's internal
// paths are identical to the live layout; nothing is rewritten. An existing
// outPath is refused unless overwrite is set.
func Snapshot(dataDir, outPath string, overwrite bool) error {
	if err := ValidateDataDir(dataDir); err != nil {
		return err
	}

	if _, err := os.Stat(outPath); err == nil && !overwrite {
		return &domain.ValidationError{Reason: fmt.Sprintf("output already exists: %s (pass overwrite to replace)", outPath)}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return &domain.PersistenceError{Path: outPath, Err: fmt.Errorf("create output directory: %w", err)}
	}

	// Build into a temp file so a failed snapshot never leaves a partial
	// archive at the destination.
	tmp := outPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return &domain.PersistenceError{Path: outPath, Err: fmt.Errorf("create archive: %w", err)}
	}
	defer os.Remove(tmp)

	if err := writeArchive(f, dataDir); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return &domain.PersistenceError{Path: outPath, Err: fmt.Errorf("close archive: %w", err)}
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return &domain.PersistenceError{Path: outPath, Err: fmt.Errorf("place archive: %w", err)}
	}

	slog.Info("Snapshot created", "data_dir", dataDir, "archive", outPath)
	return nil
}

func writeArchive(w io.Writer, dataDir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		// Sockets and other irregular files have no place in an archive.
		if !info.Mode().IsRegular() && !info.IsDir() && info.Mode()&fs.ModeSymlink == 0 {
			return nil
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return &domain.PersistenceError{Path: dataDir, Err: fmt.Errorf("archive data directory: %w", err)}
	}

	if err := tw.Close(); err != nil {
		return &domain.PersistenceError{Path: dataDir, Err: fmt.Errorf("finish tar stream: %w", err)}
	}
	if err := gz.Close(); err != nil {
		return &domain.PersistenceError{Path: dataDir, Err: fmt.Errorf("finish gzip stream: %w", err)}
	}
	return nil
}

// Restore extracts an archive into targetDir. The archive is fully validated
// before any file is written: a malformed or traversal-carrying archive is
// rejected with zero files extracted. A non-empty targetDir is refused
// unless overwrite is set.
func Restore(archivePath, targetDir string, overwrite bool) error {
	if _, err := os.Stat(archivePath); err != nil {
		return &domain.ValidationError{Reason: fmt.Sprintf("snapshot does not exist: %s", archivePath)}
	}

	if entries, err := os.ReadDir(targetDir); err == nil && len(entries) > 0 && !overwrite {
		return &domain.ValidationError{Reason: fmt.Sprintf("target directory is not empty: %s (pass overwrite to merge)", targetDir)}
	}

	// First pass: validate structure and every entry path without touching
	// the target.
	if err := validateArchive(archivePath, targetDir); err != nil {
		return err
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return &domain.PersistenceError{Path: targetDir, Err: fmt.Errorf("create target directory: %w", err)}
	}

	// Second pass: extract.
	if err := extractArchive(archivePath, targetDir); err != nil {
		return err
	}

	slog.Info("Snapshot restored", "archive", archivePath, "target", targetDir)
	return nil
}

func validateArchive(archivePath, targetDir string) error {
	seen := make(map[string]bool, len(requiredMarkers))

	err := walkArchive(archivePath, func(hdr *tar.Header, _ *tar.Reader) error {
		clean, err := safeRelPath(hdr.Name, targetDir)
		if err != nil {
			return err
		}
		for _, marker := range requiredMarkers {
			if clean == marker || strings.HasPrefix(clean, marker+string(filepath.Separator)) {
				seen[marker] = true
			}
		}
		// Symlinks pointing outside the target defeat the point of
		// extraction-path checks.
		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			resolved := hdr.Linkname
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(filepath.Dir(clean), hdr.Linkname)
			}
			if _, err := safeRelPath(resolved, targetDir); err != nil {
				return &domain.ValidationError{Reason: fmt.Sprintf("archive link escapes target: %s -> %s", hdr.Name, hdr.Linkname)}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, marker := range requiredMarkers {
		if !seen[marker] {
			return &domain.ValidationError{Reason: fmt.Sprintf("not an agent snapshot: missing %s/ in archive", marker)}
		}
	}
	return nil
}

func extractArchive(archivePath, targetDir string) error {
	return walkArchive(archivePath, func(hdr *tar.Header, tr *tar.Reader) error {
		clean, err := safeRelPath(hdr.Name, targetDir)
		if err != nil {
			return err
		}
		dest := filepath.Join(targetDir, clean)

		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(dest, fs.FileMode(hdr.Mode)&0o777|0o700)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			return os.Symlink(hdr.Linkname, dest)
		default:
			slog.Debug("Skipping unsupported archive entry", "name", hdr.Name, "type", hdr.Typeflag)
			return nil
		}
	})
}

// walkArchive opens the tar.gz and calls fn for each entry.
func walkArchive(archivePath string, fn func(*tar.Header, *tar.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return &domain.PersistenceError{Path: archivePath, Err: fmt.Errorf("open archive: %w", err)}
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return &domain.ValidationError{Reason: fmt.Sprintf("not a gzip archive: %s: %v", archivePath, err)}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &domain.ValidationError{Reason: fmt.Sprintf("corrupt archive: %s: %v", archivePath, err)}
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// safeRelPath cleans an archive entry name and rejects anything whose
// resolved path would escape targetDir.
func safeRelPath(name, targetDir string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSuffix(name, "/")))
	if clean == "." {
		return ".", nil
	}
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &domain.ValidationError{Reason: fmt.Sprintf("archive entry escapes target: %s", name)}
	}
	dest := filepath.Join(targetDir, clean)
	if rel, err := filepath.Rel(targetDir, dest); err != nil || strings.HasPrefix(rel, "..") {
		return "", &domain.ValidationError{Reason: fmt.Sprintf("archive entry escapes target: %s", name)}
	}
	return clean, nil
}
