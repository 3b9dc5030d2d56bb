// internal/remote/provider.go

// Package remote wraps the Git hosting provider's Data API: repository and
// webhook CRUD, branch and pull-request operations, and commit-tree
// construction (building a commit from N files without a local clone).
package remote

import (
	"context"

	"sandbox-repo-sync/internal/model"
)

// RepoFile is one file of an API-built commit.
type RepoFile struct {
	Path    string
	Content string
}

// CommitAuthor identifies the commit author for API-built commits.
type CommitAuthor struct {
	Name  string
	Email string
}

// CreateRepositoryOptions control repository creation.
type CreateRepositoryOptions struct {
	Description string
	Private     bool
	AutoInit    bool
}

// WebhookConfig describes one webhook registration.
type WebhookConfig struct {
	URL    string
	Secret string
	Events []string
}

// Webhook is a registered webhook as reported by the provider.
type Webhook struct {
	ID     int64
	URL    string
	Events []string
	Active bool
}

// Provider is the capability set the sync engines need from a Git host. The
// go-github implementation lives in this package; tests substitute fakes.
type Provider interface {
	CreateRepository(ctx context.Context, name string, opts CreateRepositoryOptions) (*model.Repository, error)
	GetRepository(ctx context.Context, owner, name string) (*model.Repository, error)
	RepositoryExists(ctx context.Context, owner, name string) (bool, error)

	// CreateOrUpdateFiles builds one commit containing all files and
	// fast-forwards branch to it. Atomic from the caller's perspective:
	// either the ref moves to a commit with every file, or the branch is
	// untouched. A concurrent ref move surfaces as a NonFastForward error.
	CreateOrUpdateFiles(ctx context.Context, owner, name, branch string, files []RepoFile, message string, author *CommitAuthor) (*model.CommitRef, error)

	GetFileContent(ctx context.Context, owner, name, path, ref string) (string, error)
	ListBranches(ctx context.Context, owner, name string) ([]string, error)
	CreateBranch(ctx context.Context, owner, name, branch, fromSHA string) error
	CreatePullRequest(ctx context.Context, owner, name, title, head, base, body string) (string, error)

	CreateWebhook(ctx context.Context, owner, name string, cfg WebhookConfig) (int64, error)
	ListWebhooks(ctx context.Context, owner, name string) ([]Webhook, error)
	DeleteWebhook(ctx context.Context, owner, name string, id int64) error
	PingWebhook(ctx context.Context, owner, name string, id int64) error
}
