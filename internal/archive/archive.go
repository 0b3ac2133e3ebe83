package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	// ErrInvalidArchive is returned when the payload is not a readable zip.
	ErrInvalidArchive = errors.New("invalid zip archive")
	// ErrUnsafePath is returned for entries that would land outside the
	// destination directory, or that are symlinks.
	ErrUnsafePath = errors.New("unsafe archive entry")
	// ErrArchiveTooLarge is returned when extraction exceeds Limits.
	ErrArchiveTooLarge = errors.New("archive exceeds extraction limits")
)

// Limits bounds what Extract will write. Zero values mean unlimited.
type Limits struct {
	MaxEntries           int
	MaxUncompressedBytes int64
}

// Extract unpacks the zip at src into dest and returns the number of regular
// files written. dest is created even when the archive is empty.
func Extract(src, dest string, lim Limits) (int, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("create extract dir: %w", err)
	}
	zr, err := zip.OpenReader(src)
	if err != nil {
		if errors.Is(err, zip.ErrInsecurePath) {
			if zr != nil {
				zr.Close()
			}
			return 0, fmt.Errorf("%w: %v", ErrUnsafePath, err)
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer zr.Close()

	if lim.MaxEntries > 0 && len(zr.File) > lim.MaxEntries {
		return 0, fmt.Errorf("%w: %d entries", ErrArchiveTooLarge, len(zr.File))
	}

	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, fmt.Errorf("resolve extract dir: %w", err)
	}

	var (
		written int64
		files   int
	)
	for _, f := range zr.File {
		target, err := entryPath(root, f.Name)
		if err != nil {
			return files, err
		}
		mode := f.FileInfo().Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			return files, fmt.Errorf("%w: symlink %s", ErrUnsafePath, f.Name)
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}

		var budget int64 = -1
		if lim.MaxUncompressedBytes > 0 {
			budget = lim.MaxUncompressedBytes - written
		}
		n, err := extractFile(f, target, budget)
		written += n
		if err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

// entryPath maps an archive entry name to a path under root, rejecting
// names that would escape it.
func entryPath(root, name string) (string, error) {
	clean := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	if clean == "" || filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	target := filepath.Join(root, clean)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return target, nil
}

// extractFile copies one entry. budget < 0 means unlimited.
func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create dir for %s: %w", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", f.Name, err)
	}
	defer out.Close()

	var r io.Reader = rc
	if budget >= 0 {
		// one extra byte tells us the budget was exceeded
		r = io.LimitReader(rc, budget+1)
	}
	n, err := io.Copy(out, r)
	if err != nil {
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF) {
			return n, fmt.Errorf("%w: read %s: %v", ErrInvalidArchive, f.Name, err)
		}
		return n, fmt.Errorf("write %s: %w", f.Name, err)
	}
	if budget >= 0 && n > budget {
		return n, fmt.Errorf("%w: uncompressed size", ErrArchiveTooLarge)
	}
	return n, nil
}

// WriteSingle creates a zip at dst holding exactly one deflated entry named
// entryName with the contents of srcPath.
func WriteSingle(dst, srcPath, entryName string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", srcPath, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(out)

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		out.Close()
		return fmt.Errorf("archive header: %w", err)
	}
	hdr.Name = entryName
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		out.Close()
		return fmt.Errorf("archive entry: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		out.Close()
		return fmt.Errorf("archive write: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("archive close: %w", err)
	}
	return out.Close()
}
