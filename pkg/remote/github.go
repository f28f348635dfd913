package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/sidkik/docmirror/pkg/errors"
	"github.com/sidkik/docmirror/pkg/version"
)

// DefaultGitHubAPI is the public GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// maxContributorPages bounds how many pages of commits are walked when
// collecting contributors.
const maxContributorPages = 10

// GitHubClient talks to the GitHub REST API.
type GitHubClient struct {
	apiURL string
	http   *http.Client
}

// NewGitHubClient returns a client for the API at `apiURL`. A nil
// `httpClient` uses http.DefaultClient.
func NewGitHubClient(apiURL string, httpClient *http.Client) *GitHubClient {
	if apiURL == "" {
		apiURL = DefaultGitHubAPI
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GitHubClient{
		apiURL: strings.TrimSuffix(apiURL, "/"),
		http:   httpClient,
	}
}

type githubRepo struct {
	PushedAt  time.Time `json:"pushed_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type githubCommit struct {
	Commit struct {
		Author struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
	Author *struct {
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
		HTMLURL   string `json:"html_url"`
	} `json:"author"`
}

// LastModified returns the time of the last push to the repository. When
// the descriptor names a ref, the committer date of the ref's head commit is
// used instead.
func (c *GitHubClient) LastModified(ctx context.Context, d Descriptor) (time.Time, error) {
	if d.Ref != "" {
		var commit githubCommit
		path := fmt.Sprintf("/repos/%s/%s/commits/%s",
			d.Owner, d.Name, url.PathEscape(d.Ref))
		if err := c.getJSON(ctx, d, path, &commit); err != nil {
			return time.Time{}, err
		}
		return commit.Commit.Committer.Date.UTC(), nil
	}

	var repo githubRepo
	if err := c.getJSON(ctx, d, fmt.Sprintf("/repos/%s/%s", d.Owner, d.Name), &repo); err != nil {
		return time.Time{}, err
	}

	if !repo.PushedAt.IsZero() {
		return repo.PushedAt.UTC(), nil
	}
	return repo.UpdatedAt.UTC(), nil
}

// FetchArchive streams the repository's zipball.
func (c *GitHubClient) FetchArchive(ctx context.Context, d Descriptor) (io.ReadCloser, error) {
	path := fmt.Sprintf("/repos/%s/%s/zipball", d.Owner, d.Name)
	if d.Ref != "" {
		path += "/" + url.PathEscape(d.Ref)
	}

	resp, err := c.do(ctx, d, c.apiURL+path)
	if err != nil {
		return nil, err
	}
	return streamReader{resp.Body, "download archive"}, nil
}

// Contributors returns the distinct authors of the commits that touched
// `dir`, in order of their most recent commit.
func (c *GitHubClient) Contributors(ctx context.Context, d Descriptor, dir string) ([]Contributor, error) {
	query := url.Values{}
	query.Set("path", strings.Trim(dir, "/"))
	query.Set("per_page", "100")
	if d.Ref != "" {
		query.Set("sha", d.Ref)
	}
	next := fmt.Sprintf("%s/repos/%s/%s/commits?%s",
		c.apiURL, d.Owner, d.Name, query.Encode())

	seen := map[string]struct{}{}
	var contributors []Contributor
	for page := 0; next != "" && page < maxContributorPages; page++ {
		resp, err := c.do(ctx, d, next)
		if err != nil {
			return nil, errors.WithContext(err, "list commits")
		}

		var commits []githubCommit
		err = json.NewDecoder(resp.Body).Decode(&commits)
		resp.Body.Close()
		if err != nil {
			return nil, errors.E(errors.RemoteUnavailable, "decode commits", err)
		}

		for _, commit := range commits {
			contributor := Contributor{Name: commit.Commit.Author.Name}
			if commit.Author != nil {
				contributor.Login = commit.Author.Login
				contributor.AvatarURL = commit.Author.AvatarURL
				contributor.ProfileURL = commit.Author.HTMLURL
			}

			if _, ok := seen[contributor.key()]; ok {
				continue
			}
			seen[contributor.key()] = struct{}{}
			contributors = append(contributors, contributor)
		}
		next = nextPage(resp.Header.Get("Link"))
	}
	return contributors, nil
}

func (c *GitHubClient) getJSON(ctx context.Context, d Descriptor, path string, out interface{}) error {
	resp, err := c.do(ctx, d, c.apiURL+path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classifyContextError(ctx, "decode response", err)
	}
	return nil
}

// do sends an authenticated GET and checks the response status. The caller
// must close the body of a successful response.
func (c *GitHubClient) do(ctx context.Context, d Descriptor, rawURL string) (*http.Response, error) {
	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		return nil, errors.WithContext(err, "create request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.client(d).Do(req)
	if err != nil {
		return nil, classifyContextError(ctx, "request "+req.URL.Path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	log.WithFields(log.Fields{
		"url":    req.URL.String(),
		"status": resp.StatusCode,
		"body":   string(body),
	}).Debug("GitHub request failed")

	statusErr := fmt.Errorf("unexpected status %s", resp.Status)
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.E(errors.NotFound, d.String(), statusErr)
	}
	return nil, errors.E(errors.RemoteUnavailable, d.String(), statusErr)
}

func (c *GitHubClient) client(d Descriptor) *http.Client {
	if d.Token == "" {
		return c.http
	}

	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: d.Token}),
			Base:   c.http.Transport,
		},
		CheckRedirect: c.http.CheckRedirect,
		Jar:           c.http.Jar,
		Timeout:       c.http.Timeout,
	}
}

// nextPage extracts the rel="next" URL from a Link header.
func nextPage(link string) string {
	for _, part := range strings.Split(link, ",") {
		sections := strings.Split(part, ";")
		if len(sections) < 2 {
			continue
		}

		for _, param := range sections[1:] {
			if strings.TrimSpace(param) == `rel="next"` {
				return strings.Trim(strings.TrimSpace(sections[0]), "<>")
			}
		}
	}
	return ""
}
