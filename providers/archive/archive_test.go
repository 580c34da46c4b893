package archive_test

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/bisectio/autobisect"
	"github.com/bisectio/autobisect/builds"
	"github.com/bisectio/autobisect/providers/archive"
)

type tarEntry struct {
	name     string
	typeflag byte
	linkname string
	body     []byte
}

func writeArchive(t *testing.T, path string, entries []tarEntry) {
	t.Helper()

	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}

	var w io.WriteCloser

	switch {
	case filepath.Ext(path) == ".zst":
		zw, err := zstd.NewWriter(file)
		if err != nil {
			t.Fatalf("zstd writer: %v", err)
		}

		w = zw
	case filepath.Ext(path) == ".gz":
		w = gzip.NewWriter(file)
	default:
		w = file
	}

	tw := tar.NewWriter(w)

	for _, entry := range entries {
		header := &tar.Header{
			Name:     entry.name,
			Typeflag: entry.typeflag,
			Linkname: entry.linkname,
			Size:     int64(len(entry.body)),
			Mode:     0o644,
		}
		if entry.typeflag == tar.TypeDir {
			header.Mode = 0o755
		}

		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("write header %s: %v", entry.name, err)
		}

		if len(entry.body) > 0 {
			if _, err := tw.Write(entry.body); err != nil {
				t.Fatalf("write body %s: %v", entry.name, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}

	if w != file {
		if err := w.Close(); err != nil {
			t.Fatalf("close compressor: %v", err)
		}
	}

	if err := file.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
}

func buildEntries() []tarEntry {
	return []tarEntry{
		{name: "dist/", typeflag: tar.TypeDir},
		{name: "dist/bin/", typeflag: tar.TypeDir},
		{name: "dist/bin/firefox", typeflag: tar.TypeReg, body: []byte("#!ELF pretend binary")},
		{name: "dist/bin/libxul.so", typeflag: tar.TypeReg, body: []byte("shared object bytes")},
		{name: "dist/firefox", typeflag: tar.TypeSymlink, linkname: "bin/firefox"},
	}
}

func Test_Materialize_Extracts_Zstd_Tarball(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "build.tar.zst")
	writeArchive(t, archivePath, buildEntries())

	build, err := archive.New("change123", archivePath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if build.Changeset() != "change123" {
		t.Fatalf("Changeset() = %q, want change123", build.Changeset())
	}

	target := filepath.Join(dir, "out")

	err = build.Materialize(target)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(target, "dist", "bin", "firefox"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}

	if string(data) != "#!ELF pretend binary" {
		t.Fatalf("extracted content = %q", data)
	}

	link, err := os.Readlink(filepath.Join(target, "dist", "firefox"))
	if err != nil {
		t.Fatalf("read symlink: %v", err)
	}

	if link != "bin/firefox" {
		t.Fatalf("symlink target = %q, want bin/firefox", link)
	}

	// After materialization Size reports the extracted regular-file bytes.
	want := int64(len("#!ELF pretend binary") + len("shared object bytes"))
	if build.Size() != want {
		t.Fatalf("Size() = %d, want %d", build.Size(), want)
	}
}

func Test_Materialize_Extracts_Gzip_Tarball(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "build.tar.gz")
	writeArchive(t, archivePath, []tarEntry{
		{name: "js", typeflag: tar.TypeReg, body: []byte("shell")},
	})

	build, err := archive.New("deadbeef", archivePath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = build.Materialize(filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	if build.Size() != int64(len("shell")) {
		t.Fatalf("Size() = %d, want %d", build.Size(), len("shell"))
	}
}

func Test_Size_Reports_Archive_Size_Before_Materialization(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "build.tar")
	writeArchive(t, archivePath, buildEntries())

	info, err := os.Stat(archivePath)
	if err != nil {
		t.Fatalf("stat archive: %v", err)
	}

	build, err := archive.New("change123", archivePath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if build.Size() != info.Size() {
		t.Fatalf("Size() = %d, want archive size %d", build.Size(), info.Size())
	}
}

func Test_Materialize_Rejects_Escaping_Paths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cases := []struct {
		name    string
		entries []tarEntry
	}{
		{
			name: "parent traversal",
			entries: []tarEntry{
				{name: "../evil", typeflag: tar.TypeReg, body: []byte("x")},
			},
		},
		{
			name: "absolute path",
			entries: []tarEntry{
				{name: "/etc/evil", typeflag: tar.TypeReg, body: []byte("x")},
			},
		},
		{
			name: "escaping symlink",
			entries: []tarEntry{
				{name: "link", typeflag: tar.TypeSymlink, linkname: "../../outside"},
			},
		},
	}

	for i, tc := range cases {
		i, tc := i, tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			archivePath := filepath.Join(dir, tc.name+".tar")
			writeArchive(t, archivePath, tc.entries)

			build, err := archive.New("change123", archivePath)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			target := filepath.Join(dir, "out", tc.name)

			err = build.Materialize(target)
			if !errors.Is(err, archive.ErrUnsafePath) {
				t.Fatalf("Materialize() error = %v, want ErrUnsafePath", err)
			}

			if _, err := os.Stat(filepath.Join(dir, "evil")); i == 0 && err == nil {
				t.Fatal("traversal entry escaped the target directory")
			}
		})
	}
}

func Test_New_Rejects_Unknown_Extension(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "build.zip")

	err := os.WriteFile(path, []byte("PK"), 0o600)
	if err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err = archive.New("change123", path)
	if !errors.Is(err, archive.ErrUnsupportedArchive) {
		t.Fatalf("New() error = %v, want ErrUnsupportedArchive", err)
	}
}

func Test_New_Fails_When_Archive_Missing(t *testing.T) {
	t.Parallel()

	_, err := archive.New("change123", filepath.Join(t.TempDir(), "missing.tar.zst"))
	if err == nil {
		t.Fatal("New() error = nil, want error")
	}
}

func Test_Materialize_Fails_On_Corrupt_Archive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "broken.tar.zst")

	err := os.WriteFile(path, []byte("definitely not zstd"), 0o600)
	if err != nil {
		t.Fatalf("write file: %v", err)
	}

	build, err := archive.New("change123", path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = build.Materialize(filepath.Join(dir, "out"))
	if err == nil {
		t.Fatal("Materialize() error = nil, want error")
	}
}

func Test_Archive_Build_Flows_Through_The_Cache(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "build.tar.zst")
	writeArchive(t, archivePath, buildEntries())

	cfg := &autobisect.BisectionConfig{
		StorePath:    filepath.Join(dir, "store"),
		Persist:      true,
		PersistLimit: 1048576,
	}

	m, err := builds.NewManager(context.Background(), cfg, "firefox")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	defer func() { _ = m.Close() }()

	build, err := archive.New("change123", archivePath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = m.WithBuild(context.Background(), build, func(path string) error {
		_, err := os.Stat(filepath.Join(path, "dist", "bin", "firefox"))

		return err
	})
	if err != nil {
		t.Fatalf("WithBuild() error = %v", err)
	}

	cached, err := m.EnumerateBuilds(context.Background())
	if err != nil {
		t.Fatalf("EnumerateBuilds() error = %v", err)
	}

	if len(cached) != 1 || cached[0].Changeset != "change123" {
		t.Fatalf("cached builds = %+v, want one entry for change123", cached)
	}
}
