package mirror

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/docmirror/pkg/errors"
)

// Format is an archive format recognized by Extract.
type Format int

const (
	// FormatUnknown is any content that isn't a supported archive.
	FormatUnknown Format = iota
	FormatZip
	FormatTarGz
	FormatTar
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTarGz:
		return "tar.gz"
	case FormatTar:
		return "tar"
	default:
		return "unknown"
	}
}

var (
	zipMagic      = []byte("PK\x03\x04")
	emptyZipMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
	tarMagic      = []byte("ustar")
	tarMagicAt    = 257
)

// DetectFormat identifies an archive from its first bytes.
func DetectFormat(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, zipMagic), bytes.HasPrefix(header, emptyZipMagic):
		return FormatZip
	case bytes.HasPrefix(header, gzipMagic):
		return FormatTarGz
	case len(header) >= tarMagicAt+len(tarMagic) &&
		bytes.Equal(header[tarMagicAt:tarMagicAt+len(tarMagic)], tarMagic):
		return FormatTar
	default:
		return FormatUnknown
	}
}

// Extract unpacks the archive at `archivePath` into `dst`, and returns the
// directory that holds the repository content. If every entry in the archive
// is nested under the same top-level directory, as in the archives served by
// code hosts, that directory is returned instead of `dst`.
func (m *Mirror) Extract(archivePath, dst string) (string, error) {
	f, err := m.fs.Open(archivePath)
	if err != nil {
		return "", errors.E(errors.FilesystemError, "open archive", err)
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", errors.E(errors.FilesystemError, "read archive header", err)
	}
	header = header[:n]

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", errors.E(errors.FilesystemError, "rewind archive", err)
	}

	if err := m.fs.MkdirAll(dst, 0755); err != nil {
		return "", errors.E(errors.FilesystemError, "create extract dir", err)
	}

	format := DetectFormat(header)
	log.WithFields(log.Fields{
		"archive": archivePath,
		"format":  format,
	}).Debug("Extracting archive")

	switch format {
	case FormatZip:
		info, err := f.Stat()
		if err != nil {
			return "", errors.E(errors.FilesystemError, "stat archive", err)
		}
		err = m.extractZip(f, info.Size(), dst)
		if err != nil {
			return "", err
		}
	case FormatTarGz:
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return "", errors.E(errors.ArchiveCorrupt, "open gzip stream", err)
		}
		defer gzr.Close()

		if err := m.extractTar(gzr, dst); err != nil {
			return "", err
		}
	case FormatTar:
		if err := m.extractTar(f, dst); err != nil {
			return "", err
		}
	default:
		return "", errors.E(errors.ArchiveCorrupt, "detect format",
			errors.New("unrecognized archive format"))
	}

	return m.contentRoot(dst)
}

func (m *Mirror) extractZip(r io.ReaderAt, size int64, dst string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return errors.E(errors.ArchiveCorrupt, "open zip", err)
	}

	for _, entry := range zr.File {
		name, err := entryPath(entry.Name)
		if err != nil {
			return err
		}

		mode := entry.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(entry.Name, "/"):
			if name == "" {
				continue
			}
			if err := m.fs.MkdirAll(filepath.Join(dst, name), 0755); err != nil {
				return errors.E(errors.FilesystemError, "create "+name, err)
			}
		case mode.IsRegular():
			rc, err := entry.Open()
			if err != nil {
				return errors.E(errors.ArchiveCorrupt, "open "+name, err)
			}
			err = m.writeEntry(filepath.Join(dst, name), mode, rc)
			rc.Close()
			if err != nil {
				return err
			}
		default:
			log.WithField("entry", entry.Name).Debug("Skipping non-regular zip entry")
		}
	}
	return nil
}

func (m *Mirror) extractTar(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.E(errors.ArchiveCorrupt, "read tar header", err)
		}

		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		}

		name, err := entryPath(hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if name == "" {
				continue
			}
			if err := m.fs.MkdirAll(filepath.Join(dst, name), 0755); err != nil {
				return errors.E(errors.FilesystemError, "create "+name, err)
			}
		case tar.TypeReg:
			if err := m.writeEntry(filepath.Join(dst, name), hdr.FileInfo().Mode(), tr); err != nil {
				return err
			}
		default:
			log.WithFields(log.Fields{
				"entry": hdr.Name,
				"type":  string(hdr.Typeflag),
			}).Debug("Skipping non-regular tar entry")
		}
	}
}

func (m *Mirror) writeEntry(path string, mode os.FileMode, r io.Reader) error {
	if err := m.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.E(errors.FilesystemError, "create parent of "+path, err)
	}

	perm := os.FileMode(0644)
	if mode&0100 != 0 {
		perm = 0755
	}

	f, err := m.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return errors.E(errors.FilesystemError, "create "+path, err)
	}

	_, err = io.Copy(fsWriter{f}, r)
	if err != nil {
		f.Close()
		if errors.KindOf(err) != errors.Unknown {
			return err
		}
		return errors.E(errors.ArchiveCorrupt, "extract "+path, err)
	}

	if err := f.Close(); err != nil {
		return errors.E(errors.FilesystemError, "close "+path, err)
	}
	return nil
}

// contentRoot returns the single top-level directory of `dir`, or `dir`
// itself if it has any other content.
func (m *Mirror) contentRoot(dir string) (string, error) {
	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return "", errors.E(errors.FilesystemError, "list extracted archive", err)
	}

	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// entryPath returns the cleaned, slash separated relative path of an archive
// entry. Entries that are absolute or that would escape the extraction
// directory make the whole archive invalid.
func entryPath(name string) (string, error) {
	name = strings.Replace(name, "\\", "/", -1)
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", errors.E(errors.ArchiveCorrupt, "validate entry",
			errors.NewFriendlyError("archive entry %q is an absolute path", name))
	}

	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.E(errors.ArchiveCorrupt, "validate entry",
			errors.NewFriendlyError("archive entry %q escapes the archive root", name))
	}

	if cleaned == "." {
		return "", nil
	}
	return filepath.FromSlash(cleaned), nil
}
