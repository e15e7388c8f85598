// Package gitprovider is the repository-operations collaborator on GitHub:
// repository lookup and indexing, file checks against the remote, and
// idempotent pull request creation.
package gitprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gogh "github.com/google/go-github/v68/github"

	"github.com/jxucoder/telerun/apperr"
)

// Repository is the subset of repository data a run needs.
type Repository struct {
	Owner         string
	Name          string
	FullName      string
	DefaultBranch string
	CloneURL      string
	Description   string
	Private       bool
}

// PROptions describes a pull request to open or fetch.
type PROptions struct {
	Owner string
	Repo  string
	Head  string
	Base  string
	Title string
	Body  string
}

// PullRequest is an opened or pre-existing pull request.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"htmlUrl"`
	BaseRef string `json:"baseRef"`
	HeadRef string `json:"headRef"`
	Title   string `json:"title"`
	// Existing is true when the pull request was already open.
	Existing bool `json:"existing"`
}

// Provider is implemented by Client and by test fakes.
type Provider interface {
	GetRepository(ctx context.Context, owner, name string) (*Repository, error)
	FileExists(ctx context.Context, owner, name, path, ref string) (bool, error)
	IndexRepository(ctx context.Context, owner, name, ref string) (*Index, error)
	CreateOrGetPullRequest(ctx context.Context, opts PROptions) (*PullRequest, error)
}

// Client talks to the GitHub API.
type Client struct {
	gh *gogh.Client
}

// NewClient creates a GitHub client authenticated with the given token.
func NewClient(token string) *Client {
	gh := gogh.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Client{gh: gh}
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func (c *Client) WithBaseURL(base string) (*Client, error) {
	if base == "" {
		return c, nil
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing GitHub base URL: %w", err)
	}
	c.gh.BaseURL = u
	return c, nil
}

// GetRepository returns repository metadata including the default branch.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, mapError(ctx, err, "getting repository %s/%s", owner, name)
	}
	return &Repository{
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		DefaultBranch: r.GetDefaultBranch(),
		CloneURL:      r.GetCloneURL(),
		Description:   r.GetDescription(),
		Private:       r.GetPrivate(),
	}, nil
}

// FileExists reports whether path exists at ref.
func (c *Client) FileExists(ctx context.Context, owner, name, path, ref string) (bool, error) {
	_, _, _, err := c.gh.Repositories.GetContents(ctx, owner, name, path, &gogh.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return false, nil
		}
		return false, mapError(ctx, err, "checking %s in %s/%s", path, owner, name)
	}
	return true, nil
}

// CreateOrGetPullRequest returns the open pull request for head into base,
// creating it if there is none. Re-running after a partial failure yields
// the same pull request.
func (c *Client) CreateOrGetPullRequest(ctx context.Context, opts PROptions) (*PullRequest, error) {
	if opts.Owner == "" || opts.Repo == "" || opts.Head == "" || opts.Base == "" {
		return nil, apperr.BadRequest("pull request needs owner, repo, head and base")
	}
	if pr, err := c.findOpen(ctx, opts); err != nil || pr != nil {
		return pr, err
	}

	created, _, err := c.gh.PullRequests.Create(ctx, opts.Owner, opts.Repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Head),
		Base:  gogh.Ptr(opts.Base),
	})
	if err != nil {
		// Lost a race with a concurrent attempt.
		if statusCode(err) == http.StatusUnprocessableEntity {
			if pr, ferr := c.findOpen(ctx, opts); ferr == nil && pr != nil {
				return pr, nil
			}
		}
		return nil, mapError(ctx, err, "creating pull request %s -> %s", opts.Head, opts.Base)
	}
	return toPullRequest(created, false), nil
}

func (c *Client) findOpen(ctx context.Context, opts PROptions) (*PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, opts.Owner, opts.Repo, &gogh.PullRequestListOptions{
		State: "open",
		Head:  opts.Owner + ":" + opts.Head,
		Base:  opts.Base,
	})
	if err != nil {
		return nil, mapError(ctx, err, "listing pull requests for %s", opts.Head)
	}
	for _, pr := range prs {
		if pr.GetHead().GetRef() == opts.Head {
			return toPullRequest(pr, true), nil
		}
	}
	return nil, nil
}

func toPullRequest(pr *gogh.PullRequest, existing bool) *PullRequest {
	return &PullRequest{
		Number:   pr.GetNumber(),
		HTMLURL:  pr.GetHTMLURL(),
		BaseRef:  pr.GetBase().GetRef(),
		HeadRef:  pr.GetHead().GetRef(),
		Title:    pr.GetTitle(),
		Existing: existing,
	}
}

// SplitRepo splits "owner/name".
func SplitRepo(fullName string) (owner, name string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", apperr.BadRequest("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}

func statusCode(err error) int {
	var er *gogh.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}

func mapError(ctx context.Context, err error, format string, args ...any) error {
	if ctxErr := apperr.FromContext(ctx, fmt.Sprintf(format, args...)); ctxErr != nil {
		return ctxErr
	}
	switch code := statusCode(err); {
	case code == http.StatusNotFound:
		return apperr.Wrap(apperr.KindNotFound, err, format, args...)
	case code == http.StatusGatewayTimeout:
		return apperr.Wrap(apperr.KindUpstreamTimeout, err, format, args...)
	default:
		return apperr.Wrap(apperr.KindBadGateway, err, format, args...)
	}
}
