package remote

//go:generate mockery -name Client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sidkik/docmirror/pkg/errors"
)

// Client is the interface for querying and downloading the remote
// repository that is mirrored.
type Client interface {
	// LastModified returns when the repository's content last changed.
	LastModified(ctx context.Context, d Descriptor) (time.Time, error)

	// FetchArchive returns a stream of the repository content as an
	// archive. The caller must close it.
	FetchArchive(ctx context.Context, d Descriptor) (io.ReadCloser, error)
}

// Descriptor identifies a remote repository.
type Descriptor struct {
	Owner string
	Name  string

	// Ref is the branch or tag to mirror. The remote's default branch is used
	// when it's empty.
	Ref string

	Token string `json:"-"`
}

// ParseDescriptor parses a descriptor in the form owner/name[@ref].
func ParseDescriptor(s string) (Descriptor, error) {
	repo, ref := s, ""
	if i := strings.LastIndex(s, "@"); i >= 0 {
		repo, ref = s[:i], s[i+1:]
		if ref == "" {
			return Descriptor{}, errors.New("empty ref after '@'")
		}
	}

	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Descriptor{}, errors.NewFriendlyError(
			"Invalid repository %q. Expected the form owner/name[@ref].", s)
	}
	return Descriptor{Owner: parts[0], Name: parts[1], Ref: ref}, nil
}

// String returns the descriptor in the form accepted by ParseDescriptor.
// The token is never included.
func (d Descriptor) String() string {
	s := fmt.Sprintf("%s/%s", d.Owner, d.Name)
	if d.Ref != "" {
		s += "@" + d.Ref
	}
	return s
}

// Contributor is someone who authored a commit in the mirrored repository.
type Contributor struct {
	Login      string `json:"login,omitempty"`
	Name       string `json:"name,omitempty"`
	AvatarURL  string `json:"avatarURL,omitempty"`
	ProfileURL string `json:"profileURL,omitempty"`
}

func (c Contributor) key() string {
	if c.Login != "" {
		return "login:" + c.Login
	}
	return "name:" + c.Name
}

// streamReader classifies read failures on a remote stream so that a
// connection that drops mid-download is reported as RemoteUnavailable.
type streamReader struct {
	io.ReadCloser
	op string
}

func (r streamReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = errors.E(errors.RemoteUnavailable, r.op, err)
	}
	return n, err
}

// classifyContextError converts context expiry into RemoteUnavailable.
func classifyContextError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.E(errors.RemoteUnavailable, op, ctxErr)
	}
	return errors.E(errors.RemoteUnavailable, op, err)
}
