// internal/remote/client.go
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	syncerrors "sandbox-repo-sync/internal/errors"
	"sandbox-repo-sync/internal/model"
)

const (
	maxRetries      = 3
	initialInterval = 500 * time.Millisecond
)

// Client is the go-github implementation of Provider.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

var _ Provider = (*Client)(nil)

// NewClient creates an authenticated client. baseURL overrides the API
// endpoint (empty means api.github.com); used for GitHub Enterprise and for
// tests.
func NewClient(token, baseURL string, logger *slog.Logger) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)

	gh := github.NewClient(tc)
	if baseURL != "" {
		var err error
		gh, err = github.NewClient(tc).WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring provider base URL: %w", err)
		}
	}
	return &Client{gh: gh, logger: logger}, nil
}

// retry runs fn with exponential backoff, retrying only errors the taxonomy
// marks retryable (rate limits, transient 5xx).
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(), maxRetries),
		ctx,
	)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			c.logger.Warn("Retrying provider call", "op", op, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	return b
}

func isRetryable(err error) bool {
	var pe *syncerrors.ProviderError
	if errors.As(err, &pe) && pe.Retryable() {
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode >= 500
	}
	return false
}

// translate maps a go-github error into the stable taxonomy.
func translate(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return &syncerrors.ProviderError{Kind: syncerrors.KindRateLimited, Op: op, Err: err}
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	} else {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil {
			status = ghErr.Response.StatusCode
		}
	}
	switch status {
	case http.StatusNotFound:
		return &syncerrors.ProviderError{Kind: syncerrors.KindNotFound, Op: op, Err: err}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &syncerrors.ProviderError{Kind: syncerrors.KindAuth, Op: op, Err: err}
	case http.StatusUnprocessableEntity:
		// The ref-update endpoint answers 422 when the update is not a
		// fast-forward (concurrent writer moved the tip).
		if strings.Contains(op, "ref") && strings.Contains(err.Error(), "fast forward") {
			return &syncerrors.ProviderError{Kind: syncerrors.KindNonFastForward, Op: op, Err: err}
		}
		return &syncerrors.ProviderError{Kind: syncerrors.KindUnknown, Op: op, Err: err}
	default:
		return &syncerrors.ProviderError{Kind: syncerrors.KindUnknown, Op: op, Err: err}
	}
}

// CreateRepository creates a repository under the authenticated user.
func (c *Client) CreateRepository(ctx context.Context, name string, opts CreateRepositoryOptions) (*model.Repository, error) {
	var repo *github.Repository
	err := c.retry(ctx, "create repository", func() error {
		created, resp, err := c.gh.Repositories.Create(ctx, "", &github.Repository{
			Name:        github.String(name),
			Description: github.String(opts.Description),
			Private:     github.Bool(opts.Private),
			AutoInit:    github.Bool(opts.AutoInit),
		})
		if err != nil {
			return translate("create repository", resp, err)
		}
		repo = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("Created repository", "full_name", repo.GetFullName())
	return toInternalRepository(repo), nil
}

// GetRepository fetches repository metadata.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*model.Repository, error) {
	var repo *github.Repository
	err := c.retry(ctx, "get repository", func() error {
		got, resp, err := c.gh.Repositories.Get(ctx, owner, name)
		if err != nil {
			return translate("get repository", resp, err)
		}
		repo = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toInternalRepository(repo), nil
}

// RepositoryExists reports whether owner/name resolves at the provider.
func (c *Client) RepositoryExists(ctx context.Context, owner, name string) (bool, error) {
	_, err := c.GetRepository(ctx, owner, name)
	if err == nil {
		return true, nil
	}
	if syncerrors.IsKind(err, syncerrors.KindNotFound) {
		return false, nil
	}
	return false, err
}

// CreateOrUpdateFiles builds one commit from files via the Data API:
// read branch tip → read its tree → one blob per file → one tree layered on
// the base → one commit → fast-forward the ref. Nothing observable changes
// until the final ref update; a failed update leaves at most unreferenced
// objects behind.
func (c *Client) CreateOrUpdateFiles(ctx context.Context, owner, name, branch string, files []RepoFile, message string, author *CommitAuthor) (*model.CommitRef, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("createOrUpdateFiles requires at least one file")
	}

	refName := "refs/heads/" + branch
	ref, resp, err := c.gh.Git.GetRef(ctx, owner, name, refName)
	if err != nil {
		return nil, translate("get ref", resp, err)
	}
	baseSHA := ref.GetObject().GetSHA()

	baseCommit, resp, err := c.gh.Git.GetCommit(ctx, owner, name, baseSHA)
	if err != nil {
		return nil, translate("get commit", resp, err)
	}

	entries := make([]*github.TreeEntry, 0, len(files))
	for _, f := range files {
		blob, resp, err := c.gh.Git.CreateBlob(ctx, owner, name, &github.Blob{
			Content:  github.String(f.Content),
			Encoding: github.String("utf-8"),
		})
		if err != nil {
			return nil, translate("create blob", resp, err)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(f.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  blob.SHA,
		})
	}

	tree, resp, err := c.gh.Git.CreateTree(ctx, owner, name, baseCommit.GetTree().GetSHA(), entries)
	if err != nil {
		return nil, translate("create tree", resp, err)
	}

	newCommit := &github.Commit{
		Message: github.String(message),
		Tree:    tree,
		Parents: []*github.Commit{{SHA: github.String(baseSHA)}},
	}
	if author != nil {
		now := time.Now()
		newCommit.Author = &github.CommitAuthor{
			Name:  github.String(author.Name),
			Email: github.String(author.Email),
			Date:  &github.Timestamp{Time: now},
		}
	}
	commit, resp, err := c.gh.Git.CreateCommit(ctx, owner, name, newCommit, nil)
	if err != nil {
		return nil, translate("create commit", resp, err)
	}

	ref.Object.SHA = commit.SHA
	if _, resp, err = c.gh.Git.UpdateRef(ctx, owner, name, ref, false); err != nil {
		// The commit we just built is unreferenced garbage now; Git objects
		// are content-addressed and harmless without a ref.
		return nil, translate("update ref", resp, err)
	}

	authorName := ""
	if author != nil {
		authorName = author.Name
	}
	c.logger.Info("Built commit via Data API",
		"repo", owner+"/"+name, "branch", branch, "sha", commit.GetSHA(), "files", len(files))
	return &model.CommitRef{SHA: commit.GetSHA(), Message: message, Author: authorName}, nil
}

// GetFileContent reads one file's decoded content at ref (empty ref means
// the default branch).
func (c *Client) GetFileContent(ctx context.Context, owner, name, path, ref string) (string, error) {
	var content string
	err := c.retry(ctx, "get content", func() error {
		opts := &github.RepositoryContentGetOptions{Ref: ref}
		file, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, name, path, opts)
		if err != nil {
			return translate("get content", resp, err)
		}
		if file == nil {
			return &syncerrors.ProviderError{Kind: syncerrors.KindNotFound, Op: "get content",
				Err: fmt.Errorf("%s is a directory", path)}
		}
		decoded, err := file.GetContent()
		if err != nil {
			return &syncerrors.ProviderError{Kind: syncerrors.KindUnknown, Op: "get content", Err: err}
		}
		content = decoded
		return nil
	})
	return content, err
}

// ListBranches lists branch names, following pagination.
func (c *Client) ListBranches(ctx context.Context, owner, name string) ([]string, error) {
	var all []string
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		branches, resp, err := c.gh.Repositories.ListBranches(ctx, owner, name, opts)
		if err != nil {
			return nil, translate("list branches", resp, err)
		}
		for _, b := range branches {
			all = append(all, b.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// CreateBranch creates refs/heads/branch at fromSHA.
func (c *Client) CreateBranch(ctx context.Context, owner, name, branch, fromSHA string) error {
	return c.retry(ctx, "create ref", func() error {
		_, resp, err := c.gh.Git.CreateRef(ctx, owner, name, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: github.String(fromSHA)},
		})
		if err != nil {
			return translate("create ref", resp, err)
		}
		return nil
	})
}

// CreatePullRequest opens a PR from head into base and returns its URL.
func (c *Client) CreatePullRequest(ctx context.Context, owner, name, title, head, base, body string) (string, error) {
	var prURL string
	err := c.retry(ctx, "create pull request", func() error {
		pr, resp, err := c.gh.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
			Title: github.String(title),
			Head:  github.String(head),
			Base:  github.String(base),
			Body:  github.String(body),
		})
		if err != nil {
			return translate("create pull request", resp, err)
		}
		prURL = pr.GetHTMLURL()
		return nil
	})
	return prURL, err
}

// CreateWebhook registers a webhook and returns its id.
func (c *Client) CreateWebhook(ctx context.Context, owner, name string, cfg WebhookConfig) (int64, error) {
	events := cfg.Events
	if len(events) == 0 {
		events = []string{"push", "pull_request", "create", "delete"}
	}
	var id int64
	err := c.retry(ctx, "create webhook", func() error {
		hook, resp, err := c.gh.Repositories.CreateHook(ctx, owner, name, &github.Hook{
			Active: github.Bool(true),
			Events: events,
			Config: &github.HookConfig{
				URL:         github.String(cfg.URL),
				ContentType: github.String("json"),
				Secret:      github.String(cfg.Secret),
			},
		})
		if err != nil {
			return translate("create webhook", resp, err)
		}
		id = hook.GetID()
		return nil
	})
	return id, err
}

// ListWebhooks lists registered webhooks.
func (c *Client) ListWebhooks(ctx context.Context, owner, name string) ([]Webhook, error) {
	hooks, resp, err := c.gh.Repositories.ListHooks(ctx, owner, name, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, translate("list webhooks", resp, err)
	}
	out := make([]Webhook, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, Webhook{
			ID:     h.GetID(),
			URL:    h.GetConfig().GetURL(),
			Events: h.Events,
			Active: h.GetActive(),
		})
	}
	return out, nil
}

// DeleteWebhook removes a webhook registration.
func (c *Client) DeleteWebhook(ctx context.Context, owner, name string, id int64) error {
	resp, err := c.gh.Repositories.DeleteHook(ctx, owner, name, id)
	if err != nil {
		return translate("delete webhook", resp, err)
	}
	return nil
}

// PingWebhook asks the provider to send a ping delivery.
func (c *Client) PingWebhook(ctx context.Context, owner, name string, id int64) error {
	resp, err := c.gh.Repositories.PingHook(ctx, owner, name, id)
	if err != nil {
		return translate("ping webhook", resp, err)
	}
	return nil
}

// toInternalRepository translates a github.Repository to the internal model.
func toInternalRepository(r *github.Repository) *model.Repository {
	visibility := model.VisibilityPublic
	if r.GetPrivate() {
		visibility = model.VisibilityPrivate
	}
	return &model.Repository{
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		DefaultBranch: r.GetDefaultBranch(),
		CloneURL:      r.GetCloneURL(),
		Visibility:    visibility,
		CreatedAt:     r.GetCreatedAt().Time,
		UpdatedAt:     r.GetUpdatedAt().Time,
	}
}
