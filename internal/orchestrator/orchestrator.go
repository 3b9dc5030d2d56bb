// internal/orchestrator/orchestrator.go

// Package orchestrator coordinates repository provisioning, credential
// storage and the fan-out of inbound pushes to every sandbox tracking the
// repository.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"sandbox-repo-sync/internal/engine"
	"sandbox-repo-sync/internal/model"
	"sandbox-repo-sync/internal/notify"
	"sandbox-repo-sync/internal/remote"
	"sandbox-repo-sync/internal/sandbox"
	"sandbox-repo-sync/internal/store"
	"sandbox-repo-sync/internal/vault"
)

const defaultConcurrency = 5

// Pusher runs one push sync. Satisfied by *engine.PushEngine.
type Pusher interface {
	Push(ctx context.Context, target model.SyncTarget, opts engine.PushOptions) (model.SyncOperation, error)
}

// Puller runs one pull sync. Satisfied by *engine.PullEngine.
type Puller interface {
	Pull(ctx context.Context, target model.SyncTarget, opts engine.PullOptions) (model.SyncOperation, error)
}

// Config carries the orchestrator's collaborators.
type Config struct {
	Provider remote.Provider
	Bridge   *sandbox.GitBridge
	Vault    *vault.Vault
	Store    store.Querier
	Pusher   Pusher
	Puller   Puller
	Sink     notify.Sink
	Logger   *slog.Logger

	// Concurrency bounds how many targets sync at once during fan-out.
	Concurrency int
	// WebhookURL is the public endpoint registered with the provider on
	// provisioning. Empty disables webhook registration.
	WebhookURL    string
	WebhookSecret string
}

// Orchestrator is the service's top-level coordinator.
type Orchestrator struct {
	cfg Config
}

// New builds an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Orchestrator{cfg: cfg}
}

// ProvisionRequest describes one sandbox-to-repository binding to set up.
type ProvisionRequest struct {
	WorkspaceID string           `json:"workspace_id"`
	SessionID   string           `json:"session_id"`
	SandboxID   string           `json:"sandbox_id"`
	Owner       string           `json:"owner"`
	ProjectName string           `json:"project_name"`
	Visibility  model.Visibility `json:"visibility"`
	Mode        model.TargetMode `json:"mode"`
	Branch      string           `json:"branch"`
	LocalDir    string           `json:"local_dir"`
}

// RepoName derives the deterministic repository name: a short workspace
// prefix joined to the slugged project name, so re-provisioning the same
// session finds the same repository.
func (r ProvisionRequest) RepoName() string {
	prefix := r.WorkspaceID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return slug(prefix) + "-" + slug(r.ProjectName)
}

func slug(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '-' || c == '_' || c == ' ' || c == '.':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// StoreCredential encrypts and stores a workspace's provider token. The
// plaintext never touches the store.
func (o *Orchestrator) StoreCredential(ctx context.Context, workspaceID, token, username, email string) error {
	encrypted, err := o.cfg.Vault.Encrypt(token)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}
	if err := o.cfg.Store.UpsertCredential(ctx, &model.Credential{
		WorkspaceID:    workspaceID,
		TokenEncrypted: encrypted,
		Username:       username,
		Email:          email,
		UpdatedAt:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	o.cfg.Logger.Info("Stored workspace credential",
		"workspace", workspaceID, "token", vault.Redact(token))
	return nil
}

// ProvisionRepository gets or creates the remote repository for the request,
// registers the push webhook, clones into the sandbox (clone mode) and
// records the sync target. Idempotent per (workspace, session).
func (o *Orchestrator) ProvisionRepository(ctx context.Context, req ProvisionRequest) (model.SyncTarget, error) {
	name := req.RepoName()
	logger := o.cfg.Logger.With("workspace", req.WorkspaceID, "session", req.SessionID, "repo", req.Owner+"/"+name)

	op := &model.SyncOperation{
		ID:        uuid.NewString(),
		Type:      model.OpSetup,
		Status:    model.StatusRunning,
		Branch:    req.Branch,
		StartedAt: time.Now().UTC(),
	}

	repo, err := o.ensureRepository(ctx, logger, req, name)
	if err != nil {
		return model.SyncTarget{}, o.failSetup(ctx, logger, op, err)
	}
	op.RepositoryID = repo.ID

	branch := req.Branch
	if branch == "" {
		branch = repo.DefaultBranch
	}
	mode := req.Mode
	if mode == "" {
		mode = model.ModeClone
	}
	localDir := req.LocalDir
	if localDir == "" {
		localDir = "/workspace/" + repo.Name
	}

	if o.cfg.WebhookURL != "" {
		if err := o.ensureWebhook(ctx, logger, repo); err != nil {
			// Outbound sync still works without the hook; inbound updates
			// will not arrive until it is registered.
			logger.Warn("Webhook registration failed", "error", err)
			op.Errors = append(op.Errors, fmt.Sprintf("webhook not registered: %v", err))
		}
	}

	if mode == model.ModeClone {
		if err := o.prepareSandboxClone(ctx, req, repo, branch, localDir); err != nil {
			return model.SyncTarget{}, o.failSetup(ctx, logger, op, err)
		}
	}

	target := model.SyncTarget{
		ID:           uuid.NewString(),
		SessionID:    req.SessionID,
		WorkspaceID:  req.WorkspaceID,
		SandboxID:    req.SandboxID,
		RepositoryID: repo.ID,
		Repository:   repo,
		Branch:       branch,
		LocalDir:     localDir,
		Mode:         mode,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.cfg.Store.CreateSyncTarget(ctx, &target); err != nil {
		return model.SyncTarget{}, o.failSetup(ctx, logger, op, fmt.Errorf("recording sync target: %w", err))
	}
	op.TargetID = target.ID

	now := time.Now().UTC()
	op.Status = model.StatusCompleted
	op.EndedAt = &now
	if err := o.cfg.Store.CreateOperation(ctx, op); err != nil {
		logger.Error("Failed to record setup operation", "error", err)
	}

	logger.Info("Provisioned sync target", "target", target.ID, "branch", branch, "mode", string(mode))
	return target, nil
}

// ensureRepository resolves the remote repository, creating it when neither
// the store nor the provider knows it yet.
func (o *Orchestrator) ensureRepository(ctx context.Context, logger *slog.Logger, req ProvisionRequest, name string) (model.Repository, error) {
	// A session that was provisioned before keeps its repository even if the
	// derived name would differ now.
	if repo, err := o.cfg.Store.GetRepositoryBySession(ctx, req.WorkspaceID, req.SessionID); err == nil {
		return repo, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return model.Repository{}, fmt.Errorf("looking up session repository: %w", err)
	}
	if repo, err := o.cfg.Store.GetRepository(ctx, req.Owner, name); err == nil {
		return repo, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return model.Repository{}, fmt.Errorf("looking up repository: %w", err)
	}

	var remoteRepo *model.Repository
	exists, err := o.cfg.Provider.RepositoryExists(ctx, req.Owner, name)
	if err != nil {
		return model.Repository{}, fmt.Errorf("checking remote repository: %w", err)
	}
	if exists {
		remoteRepo, err = o.cfg.Provider.GetRepository(ctx, req.Owner, name)
		if err != nil {
			return model.Repository{}, fmt.Errorf("fetching remote repository: %w", err)
		}
		logger.Info("Reusing existing remote repository")
	} else {
		remoteRepo, err = o.cfg.Provider.CreateRepository(ctx, name, remote.CreateRepositoryOptions{
			Private:     req.Visibility != model.VisibilityPublic,
			Description: "Workspace sync for " + req.ProjectName,
			AutoInit:    true,
		})
		if err != nil {
			return model.Repository{}, fmt.Errorf("creating remote repository: %w", err)
		}
		logger.Info("Created remote repository")
	}

	remoteRepo.WorkspaceID = req.WorkspaceID
	remoteRepo.SessionID = req.SessionID
	repo, err := o.cfg.Store.UpsertRepository(ctx, remoteRepo)
	if err != nil {
		return model.Repository{}, fmt.Errorf("recording repository: %w", err)
	}
	return repo, nil
}

// ensureWebhook registers the push webhook unless an identical one exists.
func (o *Orchestrator) ensureWebhook(ctx context.Context, logger *slog.Logger, repo model.Repository) error {
	hooks, err := o.cfg.Provider.ListWebhooks(ctx, repo.Owner, repo.Name)
	if err != nil {
		return err
	}
	for _, h := range hooks {
		if h.URL == o.cfg.WebhookURL {
			logger.Debug("Webhook already registered", "hook_id", h.ID)
			return nil
		}
	}
	id, err := o.cfg.Provider.CreateWebhook(ctx, repo.Owner, repo.Name, remote.WebhookConfig{
		URL:    o.cfg.WebhookURL,
		Secret: o.cfg.WebhookSecret,
	})
	if err != nil {
		return err
	}
	if err := o.cfg.Provider.PingWebhook(ctx, repo.Owner, repo.Name, id); err != nil {
		logger.Warn("Webhook registered but ping failed", "hook_id", id, "error", err)
	}
	logger.Info("Registered push webhook", "hook_id", id)
	return nil
}

// prepareSandboxClone installs git and clones the repository into the
// sandbox with the workspace credential.
func (o *Orchestrator) prepareSandboxClone(ctx context.Context, req ProvisionRequest, repo model.Repository, branch, localDir string) error {
	cred, err := o.cfg.Store.GetCredential(ctx, req.WorkspaceID)
	if err != nil {
		return fmt.Errorf("resolving workspace credential: %w", err)
	}
	token, err := o.cfg.Vault.Decrypt(cred.TokenEncrypted)
	if err != nil {
		return fmt.Errorf("decrypting workspace credential: %w", err)
	}
	if err := o.cfg.Bridge.EnsureGit(ctx, req.SandboxID); err != nil {
		return err
	}
	if err := o.cfg.Bridge.Clone(ctx, req.SandboxID, repo.CloneURL, localDir, branch, token); err != nil {
		return err
	}
	return o.cfg.Bridge.ConfigureIdentity(ctx, req.SandboxID, localDir, cred.Username, cred.Email)
}

func (o *Orchestrator) failSetup(ctx context.Context, logger *slog.Logger, op *model.SyncOperation, err error) error {
	now := time.Now().UTC()
	op.Status = model.StatusFailed
	op.EndedAt = &now
	op.Errors = append(op.Errors, err.Error())
	if serr := o.cfg.Store.CreateOperation(context.WithoutCancel(ctx), op); serr != nil {
		logger.Error("Failed to record setup operation", "error", serr)
	}
	logger.Error("Provisioning failed", "error", err)
	return err
}

// SyncToRemote pushes a target's sandbox changes to its branch.
func (o *Orchestrator) SyncToRemote(ctx context.Context, targetID string, opts engine.PushOptions) (model.SyncOperation, error) {
	target, err := o.cfg.Store.GetSyncTarget(ctx, targetID)
	if err != nil {
		return model.SyncOperation{}, fmt.Errorf("looking up sync target: %w", err)
	}
	op, err := o.cfg.Pusher.Push(ctx, target, opts)
	if err != nil {
		return op, err
	}
	if op.Status != model.StatusCompleted {
		o.cfg.Sink.SyncFailed(ctx, target, op)
	}
	return op, nil
}

// SyncFromRemote pulls remote changes into a target's sandbox.
func (o *Orchestrator) SyncFromRemote(ctx context.Context, targetID string, opts engine.PullOptions) (model.SyncOperation, error) {
	target, err := o.cfg.Store.GetSyncTarget(ctx, targetID)
	if err != nil {
		return model.SyncOperation{}, fmt.Errorf("looking up sync target: %w", err)
	}
	op, err := o.cfg.Puller.Pull(ctx, target, opts)
	if err != nil {
		return op, err
	}
	switch op.Status {
	case model.StatusCompleted:
		if op.Commit != nil {
			o.cfg.Sink.CodeUpdated(ctx, target, op)
		}
	default:
		o.cfg.Sink.SyncFailed(ctx, target, op)
	}
	return op, nil
}

// HandleInboundPush pulls the pushed branch into every active sandbox
// tracking the repository. Targets sync concurrently under the configured
// limit; one target's failure never stops the others.
func (o *Orchestrator) HandleInboundPush(ctx context.Context, repoFullName, branch string) ([]model.SyncOperation, error) {
	targets, err := o.cfg.Store.ListActiveTargets(ctx, repoFullName)
	if err != nil {
		return nil, fmt.Errorf("listing sync targets: %w", err)
	}
	if len(targets) == 0 {
		o.cfg.Logger.Info("Inbound push matched no active targets", "repo", repoFullName, "branch", branch)
		return nil, nil
	}

	results := make([]model.SyncOperation, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for idx, target := range targets {
		if branch != "" && target.Branch != branch {
			continue
		}
		idx, target := idx, target
		g.Go(func() error {
			op, err := o.cfg.Puller.Pull(gctx, target, engine.PullOptions{})
			if err != nil {
				// Persistence failure: synthesize a failed record so the
				// caller still sees one result per target.
				op = model.SyncOperation{
					Type: model.OpPull, Status: model.StatusFailed,
					TargetID: target.ID, Branch: target.Branch,
					Errors: []string{err.Error()},
				}
			}
			if op.Status == model.StatusCompleted && op.Commit != nil {
				o.cfg.Sink.CodeUpdated(gctx, target, op)
			} else if op.Status != model.StatusCompleted {
				o.cfg.Sink.SyncFailed(gctx, target, op)
			}
			mu.Lock()
			results[idx] = op
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Compact out targets skipped by the branch filter.
	var out []model.SyncOperation
	for _, op := range results {
		if op.ID != "" || op.Status != "" {
			out = append(out, op)
		}
	}
	o.cfg.Logger.Info("Inbound push fan-out finished",
		"repo", repoFullName, "branch", branch, "targets", len(out))
	return out, nil
}

// DeactivateTarget stops syncing a target, typically on sandbox teardown.
// History and the repository stay intact.
func (o *Orchestrator) DeactivateTarget(ctx context.Context, targetID string) error {
	if err := o.cfg.Store.DeactivateSyncTarget(ctx, targetID); err != nil {
		return fmt.Errorf("deactivating sync target: %w", err)
	}
	o.cfg.Logger.Info("Deactivated sync target", "target", targetID)
	return nil
}

// TargetStatus reports a target and its most recent operation.
type TargetStatus struct {
	Target        model.SyncTarget     `json:"target"`
	LastOperation *model.SyncOperation `json:"last_operation,omitempty"`
}

// Status returns the current state of one sync target.
func (o *Orchestrator) Status(ctx context.Context, targetID string) (TargetStatus, error) {
	target, err := o.cfg.Store.GetSyncTarget(ctx, targetID)
	if err != nil {
		return TargetStatus{}, fmt.Errorf("looking up sync target: %w", err)
	}
	status := TargetStatus{Target: target}
	op, err := o.cfg.Store.LatestOperationForTarget(ctx, targetID)
	switch {
	case err == nil:
		status.LastOperation = &op
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return TargetStatus{}, fmt.Errorf("looking up last operation: %w", err)
	}
	return status, nil
}

// ListOperations returns recent operations for a repository, newest first.
func (o *Orchestrator) ListOperations(ctx context.Context, owner, name string, limit int) ([]model.SyncOperation, error) {
	repo, err := o.cfg.Store.GetRepository(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("looking up repository: %w", err)
	}
	return o.cfg.Store.ListOperations(ctx, repo.ID, limit)
}

// ListEvents returns recent webhook events for a repository, newest first.
func (o *Orchestrator) ListEvents(ctx context.Context, owner, name string, limit int) ([]model.WebhookEvent, error) {
	return o.cfg.Store.ListWebhookEvents(ctx, owner+"/"+name, limit)
}
