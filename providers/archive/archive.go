// Package archive provides a build artifact backed by a local tarball.
// It materializes a build by extracting the archive into the target
// directory, which covers shells and browser builds that were fetched or
// produced ahead of time.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedArchive is returned for archive files with an unrecognized
// extension.
var ErrUnsupportedArchive = errors.New("unsupported archive format")

// ErrUnsafePath is returned when an archive entry would escape the target
// directory.
var ErrUnsafePath = errors.New("unsafe path in archive")

const extractDirPerm = 0o750

// Build is a builds.Artifact that extracts a local tar archive. Supported
// formats: .tar, .tar.gz/.tgz, .tar.zst/.tzst.
type Build struct {
	changeset string
	path      string
	size      int64
}

// New returns an archive-backed build for the given changeset. The archive
// must exist and carry a supported extension.
func New(changeset, archivePath string) (*Build, error) {
	if changeset == "" {
		return nil, errors.New("archive build: changeset is empty")
	}

	_, err := decompressorFor(archivePath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive build: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("archive build: %s is a directory", archivePath)
	}

	return &Build{changeset: changeset, path: archivePath, size: info.Size()}, nil
}

// Changeset identifies the revision the archived build corresponds to.
func (b *Build) Changeset() string {
	return b.changeset
}

// Size is the best-known byte count of the build: the archive file size
// before materialization, the total extracted byte count after.
func (b *Build) Size() int64 {
	return b.size
}

// Materialize creates targetDir and extracts the archive into it. Entry
// names that are absolute or escape the target directory fail with an error
// matching ErrUnsafePath. The caller removes targetDir on failure.
func (b *Build) Materialize(targetDir string) error {
	file, err := os.Open(b.path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	defer func() { _ = file.Close() }()

	wrap, err := decompressorFor(b.path)
	if err != nil {
		return err
	}

	reader, closeReader, err := wrap(file)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", b.path, err)
	}

	defer closeReader()

	err = os.MkdirAll(targetDir, extractDirPerm)
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}

	var extracted int64

	tr := tar.NewReader(reader)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			b.size = extracted

			return nil
		}

		if err != nil {
			return fmt.Errorf("read archive %s: %w", b.path, err)
		}

		err = extractEntry(targetDir, header, tr, &extracted)
		if err != nil {
			return err
		}
	}
}

// extractEntry writes one tar entry under targetDir, adding regular file
// bytes to extracted.
func extractEntry(targetDir string, header *tar.Header, body io.Reader, extracted *int64) error {
	name := filepath.FromSlash(header.Name)
	if !filepath.IsLocal(name) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, header.Name)
	}

	dest := filepath.Join(targetDir, name)

	switch header.Typeflag {
	case tar.TypeDir:
		err := os.MkdirAll(dest, extractDirPerm)
		if err != nil {
			return fmt.Errorf("extract %s: %w", header.Name, err)
		}

	case tar.TypeReg:
		err := os.MkdirAll(filepath.Dir(dest), extractDirPerm)
		if err != nil {
			return fmt.Errorf("extract %s: %w", header.Name, err)
		}

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, header.FileInfo().Mode().Perm()) //nolint:gosec // dest is validated with filepath.IsLocal
		if err != nil {
			return fmt.Errorf("extract %s: %w", header.Name, err)
		}

		written, err := io.Copy(out, body) //nolint:gosec // archives come from trusted build storage
		if err != nil {
			_ = out.Close()

			return fmt.Errorf("extract %s: %w", header.Name, err)
		}

		err = out.Close()
		if err != nil {
			return fmt.Errorf("extract %s: %w", header.Name, err)
		}

		*extracted += written

	case tar.TypeSymlink:
		if filepath.IsAbs(header.Linkname) || !filepath.IsLocal(filepath.FromSlash(header.Linkname)) {
			return fmt.Errorf("%w: symlink %q -> %q", ErrUnsafePath, header.Name, header.Linkname)
		}

		err := os.Symlink(header.Linkname, dest)
		if err != nil {
			return fmt.Errorf("extract %s: %w", header.Name, err)
		}

	default:
		// Character devices, fifos, and hard links have no place in build
		// archives; skip them rather than fail the whole extraction.
	}

	return nil
}

// decompressorFor maps an archive extension to its stream wrapper.
func decompressorFor(path string) (func(io.Reader) (io.Reader, func(), error), error) {
	name := strings.ToLower(path)

	switch {
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		return func(r io.Reader) (io.Reader, func(), error) {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return nil, nil, err
			}

			return dec, dec.Close, nil
		}, nil

	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return func(r io.Reader) (io.Reader, func(), error) {
			gz, err := gzip.NewReader(r)
			if err != nil {
				return nil, nil, err
			}

			return gz, func() { _ = gz.Close() }, nil
		}, nil

	case strings.HasSuffix(name, ".tar"):
		return func(r io.Reader) (io.Reader, func(), error) {
			return r, func() {}, nil
		}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchive, path)
	}
}
