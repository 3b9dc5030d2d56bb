// internal/engine/push.go
package engine

import (
	"context"
	"fmt"

	"log/slog"

	"sandbox-repo-sync/internal/changeset"
	syncerrors "sandbox-repo-sync/internal/errors"
	"sandbox-repo-sync/internal/model"
	"sandbox-repo-sync/internal/remote"
)

// PushOptions control one push invocation.
type PushOptions struct {
	// Message overrides the generated commit summary.
	Message string
	// Branch overrides the target's branch.
	Branch string
	// IncludePatterns/ExcludePatterns glob-filter the change set.
	IncludePatterns []string
	ExcludePatterns []string
	// AllowEmpty commits even when no changes are detected. Off by default:
	// an empty change set completes with zero counts and no commit.
	AllowEmpty bool
	// CreatePR opens a pull request from the working branch into
	// TargetBranch after a successful push.
	CreatePR     bool
	TargetBranch string
	PRTitle      string
}

// PushEngine detects local sandbox changes, commits them (locally or via the
// provider's object API, per the target's mode) and pushes to the branch.
type PushEngine struct {
	cfg Config
}

// NewPushEngine builds a push engine.
func NewPushEngine(cfg Config) *PushEngine {
	cfg.defaults()
	return &PushEngine{cfg: cfg}
}

// Push runs one push operation. Sync failures are reported inside the
// returned SyncOperation; the error return is reserved for persistence
// failures that prevented recording the operation at all.
func (e *PushEngine) Push(ctx context.Context, target model.SyncTarget, opts PushOptions) (model.SyncOperation, error) {
	branch := opts.Branch
	if branch == "" {
		branch = target.Branch
	}
	if branch == "" {
		branch = target.Repository.DefaultBranch
	}

	logger := e.cfg.Logger.With("target", target.ID, "repo", target.Repository.FullName(), "branch", branch)
	op := newOperation(model.OpPush, target, branch)
	if err := e.cfg.Store.CreateOperation(ctx, op); err != nil {
		return model.SyncOperation{}, fmt.Errorf("recording push operation: %w", err)
	}

	release, err := e.cfg.Locks.Acquire(ctx, target.Repository.FullName(), branch, e.cfg.LockWait)
	if err != nil {
		return fail(ctx, e.cfg.Store, logger, op, err), nil
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	op.Status = model.StatusRunning
	if err := e.cfg.Store.UpdateOperation(ctx, op); err != nil {
		return fail(ctx, e.cfg.Store, logger, op, err), nil
	}

	token, username, email, err := resolveCredential(ctx, e.cfg.Store, e.cfg.Vault, target.WorkspaceID)
	if err != nil {
		return fail(ctx, e.cfg.Store, logger, op, fmt.Errorf("resolving credential: %w", err)), nil
	}

	statusOut, err := e.cfg.Bridge.Status(ctx, target.SandboxID, target.LocalDir)
	if err != nil {
		return fail(ctx, e.cfg.Store, logger, op, err), nil
	}
	changes := changeset.ParseStatus(statusOut, logger)
	changes = filterChanges(changes, opts.IncludePatterns, opts.ExcludePatterns)

	if len(changes) == 0 && !opts.AllowEmpty {
		logger.Info("No changes to push")
		return finish(ctx, e.cfg.Store, logger, op, model.StatusCompleted), nil
	}

	message := opts.Message
	if message == "" {
		message = changeset.Summarize(changes)
	}

	selective := len(opts.IncludePatterns) > 0 || len(opts.ExcludePatterns) > 0

	var commit *model.CommitRef
	switch target.Mode {
	case model.ModeAPI:
		commit, err = e.pushViaAPI(ctx, logger, target, branch, changes, message, username, email)
	default:
		commit, err = e.pushViaClone(ctx, target, branch, changes, selective, message, token, username, email)
	}
	if err != nil {
		if syncerrors.IsNonFastForward(err) {
			op.Errors = append(op.Errors, syncerrors.ErrDivergedRemote.Error())
			return finish(ctx, e.cfg.Store, logger, op, model.StatusFailed), nil
		}
		return fail(ctx, e.cfg.Store, logger, op, err), nil
	}

	op.Summary = changeset.Count(changes)
	op.Commit = commit

	if opts.CreatePR {
		base := opts.TargetBranch
		if base == "" {
			base = target.Repository.DefaultBranch
		}
		if base != branch {
			title := opts.PRTitle
			if title == "" {
				title = message
			}
			prURL, err := e.cfg.Provider.CreatePullRequest(ctx,
				target.Repository.Owner, target.Repository.Name, title, branch, base, "")
			if err != nil {
				// The push itself landed; a PR failure degrades, not fails.
				logger.Warn("Push succeeded but pull request creation failed", "error", err)
				op.Errors = append(op.Errors, fmt.Sprintf("pull request not created: %v", err))
			} else {
				logger.Info("Opened pull request", "url", prURL)
			}
		}
	}

	logger.Info("Push completed",
		"sha", commit.SHA,
		"added", op.Summary.FilesAdded, "modified", op.Summary.FilesModified, "deleted", op.Summary.FilesDeleted)
	return finish(ctx, e.cfg.Store, logger, op, model.StatusCompleted), nil
}

// pushViaClone stages, commits and pushes inside the sandbox's local clone.
// With selective set, only the paths in changes are staged so that excluded
// files never reach the commit; otherwise everything is staged in one pass.
func (e *PushEngine) pushViaClone(ctx context.Context, target model.SyncTarget, branch string, changes []model.FileChange, selective bool, message, token, username, email string) (*model.CommitRef, error) {
	bridge := e.cfg.Bridge
	if err := bridge.ConfigureIdentity(ctx, target.SandboxID, target.LocalDir, username, email); err != nil {
		return nil, err
	}
	if selective {
		paths := make([]string, 0, len(changes))
		for _, c := range changes {
			paths = append(paths, c.Path)
		}
		if err := bridge.Add(ctx, target.SandboxID, target.LocalDir, paths); err != nil {
			return nil, err
		}
	} else if err := bridge.AddAll(ctx, target.SandboxID, target.LocalDir); err != nil {
		return nil, err
	}
	if err := bridge.Commit(ctx, target.SandboxID, target.LocalDir, message); err != nil {
		return nil, err
	}
	if err := bridge.Push(ctx, target.SandboxID, target.LocalDir, branch, token); err != nil {
		return nil, err
	}
	sha, err := bridge.RevParseHead(ctx, target.SandboxID, target.LocalDir)
	if err != nil {
		return nil, err
	}
	return &model.CommitRef{SHA: sha, Message: message, Author: username}, nil
}

// pushViaAPI reads changed files out of the sandbox and builds the commit
// through the provider's object API (no local clone required). Deletions
// cannot be expressed through this path and are skipped with a warning.
func (e *PushEngine) pushViaAPI(ctx context.Context, logger *slog.Logger, target model.SyncTarget, branch string, changes []model.FileChange, message, username, email string) (*model.CommitRef, error) {
	var files []remote.RepoFile
	for _, c := range changes {
		if c.Action == model.ActionDelete {
			logger.Warn("Skipping deletion in API-only push", "path", c.Path)
			continue
		}
		content, err := e.cfg.Bridge.ReadFile(ctx, target.SandboxID, target.LocalDir, c.Path)
		if err != nil {
			return nil, fmt.Errorf("reading %s from sandbox: %w", c.Path, err)
		}
		files = append(files, remote.RepoFile{Path: c.Path, Content: content})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no pushable files in change set")
	}
	return e.cfg.Provider.CreateOrUpdateFiles(ctx,
		target.Repository.Owner, target.Repository.Name, branch, files, message,
		&remote.CommitAuthor{Name: username, Email: email})
}
