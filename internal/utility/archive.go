package utility

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// walkArchive calls fn for every directory and regular file of a tar.gz
// archive. Entry names are cleaned; entries escaping the archive root are
// skipped.
func walkArchive(fs afero.Fs, name string, fn func(entry string, dir bool, r io.Reader) error) error {
	f, err := fs.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s is not gzip compressed: %w", filepath.Base(name), err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		entry := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if entry == "." || entry == ".." || strings.HasPrefix(entry, "../") || path.IsAbs(entry) {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = fn(entry, true, nil)
		case tar.TypeReg:
			err = fn(entry, false, tr)
		default:
			continue
		}
		if err != nil {
			return err
		}
	}
}

// ExtractArchive unpacks a tar.gz archive into dest and returns the local
// paths of its top-level entries in lexical order.
func ExtractArchive(fs afero.Fs, archive, dest string) ([]string, error) {
	if err := fs.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	top := map[string]bool{}
	err := walkArchive(fs, archive, func(entry string, dir bool, r io.Reader) error {
		top[strings.SplitN(entry, "/", 2)[0]] = true
		target := filepath.Join(dest, filepath.FromSlash(entry))

		if dir {
			return fs.MkdirAll(target, 0o755)
		}
		if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := fs.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return fmt.Errorf("failed to extract %s: %w", entry, err)
		}
		return out.Close()
	})
	if err != nil {
		return nil, err
	}

	entries := make([]string, 0, len(top))
	for name := range top {
		entries = append(entries, filepath.Join(dest, name))
	}
	sort.Strings(entries)
	return entries, nil
}
