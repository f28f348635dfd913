package remote

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/src-d/go-billy.v4/memfs"
	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/filemode"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	githttp "gopkg.in/src-d/go-git.v4/plumbing/transport/http"
	"gopkg.in/src-d/go-git.v4/storage/memory"

	"github.com/sidkik/docmirror/pkg/errors"
)

// GitClient fetches the repository with a shallow clone over the git
// protocol. Nothing is written to disk: the clone lives in memory until the
// archive has been streamed.
type GitClient struct {
	// URL is the clone URL. When empty, the GitHub URL of the descriptor is
	// used.
	URL string
}

// LastModified returns the committer time of the head commit.
func (c GitClient) LastModified(ctx context.Context, d Descriptor) (time.Time, error) {
	commit, err := c.clone(ctx, d)
	if err != nil {
		return time.Time{}, err
	}
	return commit.Committer.When.UTC(), nil
}

// FetchArchive returns a tar stream of the head commit's tree. Entries are
// nested under a `<name>-<short hash>/` directory, like the archives served
// by code hosts.
func (c GitClient) FetchArchive(ctx context.Context, d Descriptor) (io.ReadCloser, error) {
	commit, err := c.clone(ctx, d)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeCommitArchive(pw, d, commit))
	}()
	return pr, nil
}

func (c GitClient) cloneURL(d Descriptor) string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", d.Owner, d.Name)
}

// LocalPath returns the directory of the repository if the clone URL refers
// to the local filesystem.
func (c GitClient) LocalPath() (string, bool) {
	switch {
	case strings.HasPrefix(c.URL, "file://"):
		return strings.TrimPrefix(c.URL, "file://"), true
	case filepath.IsAbs(c.URL):
		return c.URL, true
	default:
		return "", false
	}
}

func (c GitClient) clone(ctx context.Context, d Descriptor) (*object.Commit, error) {
	opts := &git.CloneOptions{
		URL:          c.cloneURL(d),
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if d.Ref != "" {
		opts.ReferenceName = refName(d.Ref)
	}
	if d.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: d.Token}
	}

	log.WithField("url", opts.URL).Debug("Cloning repository")
	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), opts)
	if err != nil {
		if err == transport.ErrRepositoryNotFound || err == plumbing.ErrReferenceNotFound {
			return nil, errors.E(errors.NotFound, "clone "+d.String(), err)
		}
		return nil, classifyContextError(ctx, "clone "+d.String(), err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, errors.E(errors.RemoteUnavailable, "resolve HEAD", err)
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, errors.E(errors.RemoteUnavailable, "get HEAD commit", err)
	}
	return commit, nil
}

// refName treats bare names as branches.
func refName(ref string) plumbing.ReferenceName {
	if strings.HasPrefix(ref, "refs/") {
		return plumbing.ReferenceName(ref)
	}
	return plumbing.NewBranchReferenceName(ref)
}

func archivePrefix(d Descriptor, commit *object.Commit) string {
	return fmt.Sprintf("%s-%s", d.Name, commit.Hash.String()[:7])
}

// writeCommitArchive writes the regular files of the commit's tree as a tar
// archive. Symlinks and submodules are skipped.
func writeCommitArchive(w io.Writer, d Descriptor, commit *object.Commit) error {
	tree, err := commit.Tree()
	if err != nil {
		return errors.WithContext(err, "get tree")
	}

	prefix := archivePrefix(d, commit)
	tw := tar.NewWriter(w)
	err = tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     prefix + "/",
		Mode:     0755,
		ModTime:  commit.Committer.When,
	})
	if err != nil {
		return errors.WithContext(err, "write header")
	}

	writtenDirs := map[string]struct{}{}
	err = tree.Files().ForEach(func(f *object.File) error {
		mode := int64(0644)
		switch f.Mode {
		case filemode.Regular, filemode.Deprecated:
		case filemode.Executable:
			mode = 0755
		default:
			return nil
		}

		for _, dir := range parentDirs(f.Name) {
			if _, ok := writtenDirs[dir]; ok {
				continue
			}
			writtenDirs[dir] = struct{}{}
			err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     path.Join(prefix, dir) + "/",
				Mode:     0755,
				ModTime:  commit.Committer.When,
			})
			if err != nil {
				return errors.WithContext(err, "write header")
			}
		}

		err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(prefix, f.Name),
			Mode:     mode,
			Size:     f.Size,
			ModTime:  commit.Committer.When,
		})
		if err != nil {
			return errors.WithContext(err, "write header")
		}

		r, err := f.Reader()
		if err != nil {
			return errors.WithContext(err, "open blob")
		}
		defer r.Close()

		if _, err := io.Copy(tw, r); err != nil {
			return errors.WithContext(err, "copy blob")
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// parentDirs returns the directories leading up to `name`, outermost first.
func parentDirs(name string) []string {
	var dirs []string
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append([]string{dir}, dirs...)
	}
	return dirs
}
