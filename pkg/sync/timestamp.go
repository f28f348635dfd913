package sync

import (
	"os"
	"path/filepath"
	"strings"
	goSync "sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/docmirror/pkg/errors"
)

// TimestampFileName is the name of the file that records the last sync.
const TimestampFileName = "last_update"

// TimestampStore records when the mirror was last successfully synced.
type TimestampStore interface {
	// Load returns the recorded timestamp. The boolean is false if no sync
	// has been recorded.
	Load() (time.Time, bool, error)
	Save(time.Time) error
	Reset() error
}

// MemoryTimestampStore keeps the timestamp in memory, so every process start
// is treated as never synced.
type MemoryTimestampStore struct {
	lock goSync.Mutex
	ts   time.Time
	set  bool
}

// Load implements TimestampStore.
func (s *MemoryTimestampStore) Load() (time.Time, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ts, s.set, nil
}

// Save implements TimestampStore.
func (s *MemoryTimestampStore) Save(ts time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ts, s.set = ts.UTC(), true
	return nil
}

// Reset implements TimestampStore.
func (s *MemoryTimestampStore) Reset() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ts, s.set = time.Time{}, false
	return nil
}

// FileTimestampStore persists the timestamp as an RFC 3339 string.
type FileTimestampStore struct {
	fs   afero.Fs
	path string
}

// NewFileTimestampStore returns a store that keeps its timestamp in `dir`.
func NewFileTimestampStore(fs afero.Fs, dir string) *FileTimestampStore {
	return &FileTimestampStore{fs: fs, path: filepath.Join(dir, TimestampFileName)}
}

// Load implements TimestampStore. A file that can't be parsed is treated as
// if no sync had been recorded, which forces a refresh.
func (s *FileTimestampStore) Load() (time.Time, bool, error) {
	contents, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, errors.E(errors.FilesystemError, "read timestamp", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(contents)))
	if err != nil {
		log.WithError(err).WithField("path", s.path).Warn(
			"Ignoring unparseable sync timestamp")
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

// Save implements TimestampStore. The file is replaced atomically.
func (s *FileTimestampStore) Save(ts time.Time) error {
	contents := []byte(ts.UTC().Format(time.RFC3339Nano) + "\n")
	if err := writeFileAtomic(s.fs, s.path, contents, 0644); err != nil {
		return errors.E(errors.FilesystemError, "write timestamp", err)
	}
	return nil
}

// Reset implements TimestampStore.
func (s *FileTimestampStore) Reset() error {
	if err := s.fs.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.E(errors.FilesystemError, "remove timestamp", err)
	}
	return nil
}

// writeFileAtomic writes to a temporary file in the same directory and then
// renames it over `path`.
func writeFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.WithContext(err, "write")
	}

	if err := tmp.Sync(); err != nil {
		return errors.WithContext(err, "sync")
	}

	if err := tmp.Close(); err != nil {
		return errors.WithContext(err, "close")
	}

	if err := fs.Chmod(tmpPath, perm); err != nil {
		return errors.WithContext(err, "chmod")
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		return errors.WithContext(err, "rename")
	}
	success = true
	return nil
}
