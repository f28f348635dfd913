// Package mirror manages the local copy of the mirrored repository.
//
// The data directory is laid out as follows:
//
//	current          -> snapshots/<id>
//	snapshots/<id>/  complete extracted trees
//	staging/         downloaded archive and raw extraction
//	.metadata/       sync bookkeeping, never touched by Clear
//
// Clear only removes the entries above other than .metadata, so the data
// directory may be shared with unrelated files.
//
// Readers only ever go through `current`. A new tree is published by
// pointing a fresh symlink at it and renaming that symlink over `current`,
// so readers see either the old tree or the new one.
package mirror

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/docmirror/pkg/errors"
)

const (
	// CurrentName is the name of the reader visible mirror root inside the
	// data directory.
	CurrentName = "current"

	// MetadataDirName holds state that outlives the mirror content.
	MetadataDirName = ".metadata"

	snapshotsDirName = "snapshots"
	stagingDirName   = "staging"
	archiveName      = "archive"
	extractDirName   = "extract"
)

// ErrPathTraversal is returned when a requested path is absolute or would
// resolve outside the mirror root.
var ErrPathTraversal = errors.New("path escapes the mirror root")

// Mirror is the local copy of the remote repository.
type Mirror struct {
	fs      afero.Fs
	dataDir string
}

// New returns a Mirror stored under `dataDir`.
func New(fs afero.Fs, dataDir string) *Mirror {
	return &Mirror{fs: fs, dataDir: filepath.Clean(dataDir)}
}

// Root returns the reader visible root of the mirror.
func (m *Mirror) Root() string {
	return filepath.Join(m.dataDir, CurrentName)
}

// DataDir returns the directory that holds the mirror and its bookkeeping.
func (m *Mirror) DataDir() string {
	return m.dataDir
}

// MetadataDir returns the directory for sync bookkeeping.
func (m *Mirror) MetadataDir() string {
	return filepath.Join(m.dataDir, MetadataDirName)
}

// StagingArchivePath is where the downloaded archive is written.
func (m *Mirror) StagingArchivePath() string {
	return filepath.Join(m.stagingDir(), archiveName)
}

// StagingExtractDir is where the downloaded archive is extracted.
func (m *Mirror) StagingExtractDir() string {
	return filepath.Join(m.stagingDir(), extractDirName)
}

func (m *Mirror) stagingDir() string {
	return filepath.Join(m.dataDir, stagingDirName)
}

func (m *Mirror) snapshotsDir() string {
	return filepath.Join(m.dataDir, snapshotsDirName)
}

// Resolve maps a path relative to the mirror root onto the filesystem.
func (m *Mirror) Resolve(rel string) (string, error) {
	rel = filepath.FromSlash(rel)
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, string(filepath.Separator)) {
		return "", ErrPathTraversal
	}

	root := m.Root()
	resolved := filepath.Join(root, rel)
	relToRoot, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", ErrPathTraversal
	}

	if relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return resolved, nil
}

// Exists returns whether a mirror has been published.
func (m *Mirror) Exists() bool {
	info, err := m.fs.Stat(m.Root())
	return err == nil && info.IsDir()
}

// ReadFile returns the contents of the regular file at `rel`. The boolean is
// false if there is no such file.
func (m *Mirror) ReadFile(rel string) ([]byte, bool, error) {
	f, ok, err := m.Open(rel)
	if !ok || err != nil {
		return nil, ok, err
	}
	defer f.Close()

	contents, err := afero.ReadAll(f)
	if err != nil {
		return nil, false, errors.E(errors.FilesystemError, "read "+rel, err)
	}
	return contents, true, nil
}

// Open opens the regular file at `rel` for reading. The boolean is false if
// there is no such file.
func (m *Mirror) Open(rel string) (io.ReadCloser, bool, error) {
	path, err := m.Resolve(rel)
	if err != nil {
		return nil, false, err
	}

	f, err := m.fs.Open(path)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, errors.E(errors.FilesystemError, "open "+rel, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, errors.E(errors.FilesystemError, "stat "+rel, err)
	}

	if !info.Mode().IsRegular() {
		f.Close()
		return nil, false, nil
	}
	return f, true, nil
}

// ListDir returns the entries of the directory at `rel`, sorted by name. The
// boolean is false if there is no such directory.
func (m *Mirror) ListDir(rel string) ([]os.FileInfo, bool, error) {
	path, err := m.Resolve(rel)
	if err != nil {
		return nil, false, err
	}

	info, err := m.fs.Stat(path)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, errors.E(errors.FilesystemError, "stat "+rel, err)
	}

	if !info.IsDir() {
		return nil, false, nil
	}

	entries, err := afero.ReadDir(m.fs, path)
	if err != nil {
		return nil, false, errors.E(errors.FilesystemError, "list "+rel, err)
	}
	return entries, true, nil
}

// PrepareStaging empties the staging area and removes snapshots that are
// neither live nor the one the live snapshot replaced.
func (m *Mirror) PrepareStaging() error {
	if err := m.fs.RemoveAll(m.stagingDir()); err != nil {
		return errors.E(errors.FilesystemError, "clear staging", err)
	}

	if err := m.fs.MkdirAll(m.StagingExtractDir(), 0755); err != nil {
		return errors.E(errors.FilesystemError, "create staging", err)
	}

	if err := m.prune(); err != nil {
		return errors.E(errors.FilesystemError, "prune snapshots", err)
	}
	return nil
}

// ClearStaging removes the staging area.
func (m *Mirror) ClearStaging() error {
	if err := m.fs.RemoveAll(m.stagingDir()); err != nil {
		return errors.E(errors.FilesystemError, "clear staging", err)
	}
	return nil
}

// WriteArchive copies the archive stream into the staging area, and returns
// the number of bytes written.
func (m *Mirror) WriteArchive(r io.Reader) (int64, error) {
	f, err := m.fs.OpenFile(m.StagingArchivePath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, errors.E(errors.FilesystemError, "create archive", err)
	}

	n, err := io.Copy(fsWriter{f}, r)
	if err != nil {
		f.Close()
		// Write failures are already classified, so anything else came from
		// the remote stream.
		if errors.KindOf(err) != errors.Unknown {
			return n, err
		}
		return n, errors.E(errors.RemoteUnavailable, "download archive", err)
	}

	if err := f.Close(); err != nil {
		return n, errors.E(errors.FilesystemError, "close archive", err)
	}
	return n, nil
}

type fsWriter struct {
	w io.Writer
}

func (w fsWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		err = errors.E(errors.FilesystemError, "write archive", err)
	}
	return n, err
}

// Replace publishes the tree at `stagingDir` as the new mirror. The tree is
// moved, so `stagingDir` no longer exists afterwards. Errors returned before
// the reader visible mirror was modified leave it intact. Later ones are
// wrapped in a SwapError.
func (m *Mirror) Replace(stagingDir string) error {
	info, err := m.fs.Stat(stagingDir)
	if err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", stagingDir)
		}
		return errors.E(errors.InvalidState, "replace", err)
	}

	if err := m.fs.MkdirAll(m.snapshotsDir(), 0755); err != nil {
		return errors.E(errors.FilesystemError, "create snapshots dir", err)
	}

	id := newSnapshotID()
	snapshot := filepath.Join(m.snapshotsDir(), id)
	if err := m.fs.Rename(stagingDir, snapshot); err != nil {
		return errors.E(errors.FilesystemError, "move staging into snapshots", err)
	}

	linker, ok := m.fs.(afero.Symlinker)
	if ok {
		err = m.swapSymlink(linker, id)
		if err == nil {
			m.pruneAndLog()
			return nil
		}

		if !isSymlinkUnsupported(err) {
			m.removeUnpublished(snapshot, err)
			if errors.KindOf(err) == errors.Unknown {
				err = errors.E(errors.FilesystemError, "create mirror link", err)
			}
			return err
		}
	}

	return m.replaceByMove(snapshot)
}

// SwapError is returned by Replace when it failed after the reader visible
// mirror was modified. Readers may see an empty mirror until the next
// successful Replace.
type SwapError struct {
	Err error
}

func (err *SwapError) Error() string {
	return err.Err.Error()
}

func (err *SwapError) Unwrap() error {
	return err.Err
}

// IsSwapFailure returns whether `err` came from a Replace that had already
// modified the reader visible mirror.
func IsSwapFailure(err error) bool {
	var swapErr *SwapError
	return errors.As(err, &swapErr)
}

// removeUnpublished deletes a snapshot that never became live, so that it
// isn't kept as the previous generation.
func (m *Mirror) removeUnpublished(snapshot string, cause error) {
	if IsSwapFailure(cause) {
		return
	}

	if err := m.fs.RemoveAll(snapshot); err != nil {
		log.WithError(err).WithField("snapshot", snapshot).Warn(
			"Failed to remove unpublished snapshot")
	}
	if err := m.fs.Remove(m.Root() + ".tmp"); err != nil && !isNotFound(err) {
		log.WithError(err).Warn("Failed to remove stale mirror link")
	}
}

func (m *Mirror) swapSymlink(linker afero.Symlinker, id string) error {
	root := m.Root()
	tmp := root + ".tmp"
	if err := m.fs.Remove(tmp); err != nil && !isNotFound(err) {
		return errors.E(errors.FilesystemError, "remove stale link", err)
	}

	target := filepath.Join(snapshotsDirName, id)
	if err := linker.SymlinkIfPossible(target, tmp); err != nil {
		return err
	}

	// A real directory can't be atomically replaced by a symlink. This only
	// happens the first time after the data dir was written by the fallback.
	removedDir := false
	if info, _, err := linker.LstatIfPossible(root); err == nil && info.Mode()&os.ModeSymlink == 0 {
		log.WithField("path", root).Warn("Replacing directory mirror with a " +
			"symlink. Readers may briefly see an empty mirror.")
		removedDir = true
		if err := m.fs.RemoveAll(root); err != nil {
			return &SwapError{errors.E(errors.FilesystemError, "remove directory mirror", err)}
		}
	}

	if err := m.fs.Rename(tmp, root); err != nil {
		err = errors.E(errors.FilesystemError, "swap mirror link", err)
		if removedDir {
			return &SwapError{err}
		}
		return err
	}
	return nil
}

// replaceByMove is used when the filesystem doesn't support symlinks. There is
// a window between the removal and the rename where readers see no mirror.
func (m *Mirror) replaceByMove(snapshot string) error {
	log.WithField("dataDir", m.dataDir).Warn("Filesystem doesn't support " +
		"symlinks. Replacing the mirror in place, so readers may briefly " +
		"see an empty mirror.")

	root := m.Root()
	if err := m.fs.Remove(root + ".tmp"); err != nil && !isNotFound(err) {
		log.WithError(err).Warn("Failed to remove stale mirror link")
	}

	if err := m.fs.RemoveAll(root); err != nil {
		return &SwapError{errors.E(errors.FilesystemError, "remove old mirror", err)}
	}

	if err := m.fs.Rename(snapshot, root); err != nil {
		return &SwapError{errors.E(errors.FilesystemError, "move new mirror", err)}
	}
	return nil
}

// Clear removes the mirror, its snapshots and the staging area. Everything
// else in the data directory, including the metadata directory, is left
// alone.
func (m *Mirror) Clear() error {
	// Remove the reader visible root first so that readers never see a
	// partially deleted tree.
	owned := []string{
		m.Root(),
		m.Root() + ".tmp",
		m.snapshotsDir(),
		m.stagingDir(),
	}
	for _, path := range owned {
		if err := m.fs.RemoveAll(path); err != nil {
			return errors.E(errors.FilesystemError, "remove "+filepath.Base(path), err)
		}
	}
	return nil
}

func (m *Mirror) pruneAndLog() {
	if err := m.prune(); err != nil {
		log.WithError(err).Warn("Failed to remove old snapshots")
	}
}

// prune removes all snapshots except the live one and the newest other one.
func (m *Mirror) prune() error {
	entries, err := afero.ReadDir(m.fs, m.snapshotsDir())
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	live := m.liveSnapshot()
	var others []string
	for _, entry := range entries {
		if entry.Name() != live {
			others = append(others, entry.Name())
		}
	}

	// Snapshot IDs sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(others)))
	if len(others) <= 1 {
		return nil
	}

	for _, stale := range others[1:] {
		log.WithField("snapshot", stale).Debug("Removing stale snapshot")
		if err := m.fs.RemoveAll(filepath.Join(m.snapshotsDir(), stale)); err != nil {
			return err
		}
	}
	return nil
}

// liveSnapshot returns the ID of the snapshot `current` points at, or the
// empty string if it isn't a snapshot link.
func (m *Mirror) liveSnapshot() string {
	reader, ok := m.fs.(afero.LinkReader)
	if !ok {
		return ""
	}

	target, err := reader.ReadlinkIfPossible(m.Root())
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

func newSnapshotID() string {
	return fmt.Sprintf("%s-%s",
		time.Now().UTC().Format("20060102T150405.000000000"),
		uuid.New().String()[:8])
}

func isNotFound(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR)
}

func isSymlinkUnsupported(err error) bool {
	if errors.Is(err, afero.ErrNoSymlink) {
		return true
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return false
	}

	for _, errno := range []syscall.Errno{syscall.EPERM, syscall.EOPNOTSUPP, syscall.ENOTSUP} {
		if errors.Is(linkErr.Err, errno) {
			return true
		}
	}
	return false
}
