// Package fswatch notifies when the refs of a local git repository change, so
// that a mirror of it can be refreshed without waiting for the next tick.
package fswatch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/docmirror/pkg/errors"
)

var fs = afero.NewOsFs()

// WatchRefs watches the git repository at `repoDir`, which may be a working
// tree or a bare repository. It sends an event on the returned channel
// whenever HEAD or a ref changes. Events that arrive while one is pending are
// merged. The watch stops when the returned Closer is closed.
func WatchRefs(repoDir string) (<-chan struct{}, io.Closer, error) {
	pathsToWatch, err := getPathsToWatch(repoDir)
	if err != nil {
		return nil, nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	go logErrors(watcher.Errors)
	return combineUpdates(watcher.Events), watcher, nil
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for event := range updates {
			// Changing permissions doesn't move a ref.
			if event.Op == fsnotify.Chmod {
				continue
			}

			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func logErrors(errs <-chan error) {
	for err := range errs {
		log.WithError(err).Warn("Error while watching git repository")
	}
}

// getPathsToWatch returns the git directory, which holds HEAD and
// packed-refs, and every directory under refs/. fsnotify doesn't watch
// directories recursively, so each one is added explicitly.
func getPathsToWatch(repoDir string) (paths []string, err error) {
	gitDir := filepath.Join(repoDir, ".git")
	if fi, err := fs.Stat(gitDir); err != nil || !fi.IsDir() {
		// Bare repositories don't have a .git directory.
		gitDir = repoDir
	}

	if _, err := fs.Stat(filepath.Join(gitDir, "HEAD")); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFriendlyError(
				"%q isn't a git repository, so it can't be watched for changes.", repoDir)
		}
		return nil, errors.WithContext(err, "stat HEAD")
	}
	paths = append(paths, gitDir)

	refsDir := filepath.Join(gitDir, "refs")
	err = afero.Walk(fs, refsDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if fi.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(errors.RootCause(err)) {
		return nil, err
	}
	return paths, nil
}
