// internal/engine/engine_test.go
package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandbox-repo-sync/internal/model"
	"sandbox-repo-sync/internal/remote"
	"sandbox-repo-sync/internal/sandbox"
	"sandbox-repo-sync/internal/store"
	"sandbox-repo-sync/internal/vault"
)

// scriptedRunner replays canned results for commands matching a substring,
// recording everything it ran.
type scriptedRunner struct {
	mu       sync.Mutex
	commands []string
	results  []scriptedResult
	files    map[string]string
}

type scriptedResult struct {
	match  string
	result sandbox.ExecResult
	err    error
}

func (r *scriptedRunner) on(match string, result sandbox.ExecResult) {
	r.results = append(r.results, scriptedResult{match: match, result: result})
}

func (r *scriptedRunner) onErr(match string, err error) {
	r.results = append(r.results, scriptedResult{match: match, err: err})
}

func (r *scriptedRunner) Exec(_ context.Context, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, req.Command)
	for _, s := range r.results {
		if strings.Contains(req.Command, s.match) {
			return s.result, s.err
		}
	}
	return sandbox.ExecResult{ExitCode: 0}, nil
}

func (r *scriptedRunner) ReadFile(_ context.Context, _, path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if content, ok := r.files[path]; ok {
		return content, nil
	}
	return "", nil
}

func (r *scriptedRunner) WriteFile(_ context.Context, _, path, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files == nil {
		r.files = make(map[string]string)
	}
	r.files[path] = content
	return nil
}

func (r *scriptedRunner) ran(match string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.commands {
		if strings.Contains(c, match) {
			return true
		}
	}
	return false
}

// fakeProvider is a minimal remote.Provider for engine tests.
type fakeProvider struct {
	mu            sync.Mutex
	createdPRs    []string
	builtCommits  []string
	commitErr     error
	prErr         error
	commitSHA     string
	receivedFiles []remote.RepoFile
}

func (p *fakeProvider) CreateRepository(context.Context, string, remote.CreateRepositoryOptions) (*model.Repository, error) {
	return nil, nil
}
func (p *fakeProvider) GetRepository(context.Context, string, string) (*model.Repository, error) {
	return nil, nil
}
func (p *fakeProvider) RepositoryExists(context.Context, string, string) (bool, error) {
	return true, nil
}

func (p *fakeProvider) CreateOrUpdateFiles(_ context.Context, _, _, _ string, files []remote.RepoFile, message string, author *remote.CommitAuthor) (*model.CommitRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.commitErr != nil {
		return nil, p.commitErr
	}
	p.receivedFiles = files
	sha := p.commitSHA
	if sha == "" {
		sha = "api-sha"
	}
	p.builtCommits = append(p.builtCommits, sha)
	authorName := ""
	if author != nil {
		authorName = author.Name
	}
	return &model.CommitRef{SHA: sha, Message: message, Author: authorName}, nil
}

func (p *fakeProvider) GetFileContent(context.Context, string, string, string, string) (string, error) {
	return "", nil
}
func (p *fakeProvider) ListBranches(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (p *fakeProvider) CreateBranch(context.Context, string, string, string, string) error {
	return nil
}

func (p *fakeProvider) CreatePullRequest(_ context.Context, _, _, title, head, base, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prErr != nil {
		return "", p.prErr
	}
	p.createdPRs = append(p.createdPRs, title+" "+head+"->"+base)
	return "https://github.test/pr/1", nil
}

func (p *fakeProvider) CreateWebhook(context.Context, string, string, remote.WebhookConfig) (int64, error) {
	return 1, nil
}
func (p *fakeProvider) ListWebhooks(context.Context, string, string) ([]remote.Webhook, error) {
	return nil, nil
}
func (p *fakeProvider) DeleteWebhook(context.Context, string, string, int64) error { return nil }
func (p *fakeProvider) PingWebhook(context.Context, string, string, int64) error   { return nil }

// testFixture bundles the collaborators every engine test needs.
type testFixture struct {
	runner   *scriptedRunner
	provider *fakeProvider
	store    *store.Memory
	config   Config
	target   model.SyncTarget
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	priv, _, err := vault.GenerateIdentity()
	require.NoError(t, err)
	v, err := vault.New(priv)
	require.NoError(t, err)

	mem := store.NewMemory()
	encrypted, err := v.Encrypt("ghp_testtoken")
	require.NoError(t, err)
	require.NoError(t, mem.UpsertCredential(context.Background(), &model.Credential{
		WorkspaceID:    "ws-1",
		TokenEncrypted: encrypted,
		Username:       "dev",
		Email:          "dev@acme.io",
	}))

	repo, err := mem.UpsertRepository(context.Background(), &model.Repository{
		Owner: "acme", Name: "demo", DefaultBranch: "main",
		CloneURL: "https://github.com/acme/demo.git", WorkspaceID: "ws-1", SessionID: "sess-1",
	})
	require.NoError(t, err)

	target := model.SyncTarget{
		ID: "tgt-1", SessionID: "sess-1", WorkspaceID: "ws-1", SandboxID: "sb-1",
		RepositoryID: repo.ID, Repository: repo, Branch: "main",
		LocalDir: "/workspace/demo", Mode: model.ModeClone, Active: true,
	}
	require.NoError(t, mem.CreateSyncTarget(context.Background(), &target))

	runner := &scriptedRunner{}
	provider := &fakeProvider{}

	return &testFixture{
		runner:   runner,
		provider: provider,
		store:    mem,
		target:   target,
		config: Config{
			Bridge:           sandbox.NewGitBridge(runner, logger),
			Provider:         provider,
			Vault:            v,
			Store:            mem,
			Locks:            NewLockRegistry(),
			Logger:           logger,
			OperationTimeout: 10 * time.Second,
			LockWait:         2 * time.Second,
		},
	}
}
