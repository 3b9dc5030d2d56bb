// internal/engine/pull.go
package engine

import (
	"context"
	"fmt"
	"time"

	"sandbox-repo-sync/internal/changeset"
	"sandbox-repo-sync/internal/model"
)

// PullOptions control one pull invocation.
type PullOptions struct {
	// Strategy defaults to merge.
	Strategy model.MergeStrategy
	// BackupLocal snapshots the current HEAD on a backup branch before the
	// working tree is mutated. Required reading before opting into reset.
	BackupLocal bool
}

// PullEngine fetches remote changes into a sandbox, applies them with the
// selected strategy and surfaces conflicts without ever leaving the sandbox
// half-merged.
type PullEngine struct {
	cfg Config
}

// NewPullEngine builds a pull engine.
func NewPullEngine(cfg Config) *PullEngine {
	cfg.defaults()
	return &PullEngine{cfg: cfg}
}

// Pull runs one pull operation. Same result contract as PushEngine.Push.
func (e *PullEngine) Pull(ctx context.Context, target model.SyncTarget, opts PullOptions) (model.SyncOperation, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = model.StrategyMerge
	}
	branch := target.Branch
	if branch == "" {
		branch = target.Repository.DefaultBranch
	}

	logger := e.cfg.Logger.With("target", target.ID, "repo", target.Repository.FullName(), "branch", branch, "strategy", string(strategy))
	op := newOperation(model.OpPull, target, branch)
	if err := e.cfg.Store.CreateOperation(ctx, op); err != nil {
		return model.SyncOperation{}, fmt.Errorf("recording pull operation: %w", err)
	}

	// Push and pull on the same (repository, branch) are mutually exclusive.
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

	token, _, _, err := resolveCredential(ctx, e.cfg.Store, e.cfg.Vault, target.WorkspaceID)
	if err != nil {
		return fail(ctx, e.cfg.Store, logger, op, fmt.Errorf("resolving credential: %w", err)), nil
	}

	bridge := e.cfg.Bridge
	if err := bridge.Fetch(ctx, target.SandboxID, target.LocalDir, branch, token); err != nil {
		return fail(ctx, e.cfg.Store, logger, op, err), nil
	}

	remoteRef := "origin/" + branch
	diffOut, err := bridge.DiffNameStatus(ctx, target.SandboxID, target.LocalDir, remoteRef)
	if err != nil {
		return fail(ctx, e.cfg.Store, logger, op, err), nil
	}
	changes := changeset.ParseDiffNameStatus(diffOut, logger)
	if len(changes) == 0 {
		logger.Info("Local clone already up to date")
		return finish(ctx, e.cfg.Store, logger, op, model.StatusCompleted), nil
	}

	if opts.BackupLocal {
		backup := "backup/" + time.Now().UTC().Format("20060102-150405")
		if err := bridge.CreateBranch(ctx, target.SandboxID, target.LocalDir, backup); err != nil {
			return fail(ctx, e.cfg.Store, logger, op, fmt.Errorf("creating backup branch: %w", err)), nil
		}
		logger.Info("Created local backup branch", "branch", backup)
	}

	conflicts, err := e.apply(ctx, target, strategy, remoteRef)
	if err != nil {
		return fail(ctx, e.cfg.Store, logger, op, err), nil
	}
	if len(conflicts) > 0 {
		for _, p := range conflicts {
			op.Conflicts = append(op.Conflicts, model.Conflict{
				Path:   p,
				Reason: fmt.Sprintf("local and remote both modified this file (%s)", strategy),
			})
		}
		op.Summary.Conflicts = len(conflicts)
		logger.Warn("Pull stopped on conflicts", "paths", conflicts)
		return finish(ctx, e.cfg.Store, logger, op, model.StatusConflict), nil
	}

	sha, err := bridge.RevParseHead(ctx, target.SandboxID, target.LocalDir)
	if err != nil {
		return fail(ctx, e.cfg.Store, logger, op, err), nil
	}
	op.Commit = &model.CommitRef{SHA: sha}
	op.Summary = changeset.Count(changes)

	logger.Info("Pull completed", "sha", sha,
		"added", op.Summary.FilesAdded, "modified", op.Summary.FilesModified, "deleted", op.Summary.FilesDeleted)
	return finish(ctx, e.cfg.Store, logger, op, model.StatusCompleted), nil
}

// apply runs the chosen strategy. On conflict it aborts the in-progress
// merge/rebase and returns the conflicting paths, leaving the working tree in
// its pre-pull state. On any error after the tree may have been touched, a
// best-effort abort runs on a detached context before the error is returned.
func (e *PullEngine) apply(ctx context.Context, target model.SyncTarget, strategy model.MergeStrategy, remoteRef string) ([]string, error) {
	bridge := e.cfg.Bridge

	abortCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	}

	switch strategy {
	case model.StrategyMerge:
		conflicted, err := bridge.Merge(ctx, target.SandboxID, target.LocalDir, remoteRef)
		if err != nil {
			actx, cancel := abortCtx()
			defer cancel()
			_ = bridge.MergeAbort(actx, target.SandboxID, target.LocalDir)
			return nil, err
		}
		if !conflicted {
			return nil, nil
		}
		paths, perr := bridge.ConflictingPaths(ctx, target.SandboxID, target.LocalDir)
		actx, cancel := abortCtx()
		defer cancel()
		if err := bridge.MergeAbort(actx, target.SandboxID, target.LocalDir); err != nil {
			return nil, fmt.Errorf("aborting conflicted merge: %w", err)
		}
		if perr != nil {
			return nil, perr
		}
		return paths, nil

	case model.StrategyRebase:
		conflicted, err := bridge.Rebase(ctx, target.SandboxID, target.LocalDir, remoteRef)
		if err != nil {
			actx, cancel := abortCtx()
			defer cancel()
			_ = bridge.RebaseAbort(actx, target.SandboxID, target.LocalDir)
			return nil, err
		}
		if !conflicted {
			return nil, nil
		}
		paths, perr := bridge.ConflictingPaths(ctx, target.SandboxID, target.LocalDir)
		actx, cancel := abortCtx()
		defer cancel()
		if err := bridge.RebaseAbort(actx, target.SandboxID, target.LocalDir); err != nil {
			return nil, fmt.Errorf("aborting conflicted rebase: %w", err)
		}
		if perr != nil {
			return nil, perr
		}
		return paths, nil

	case model.StrategyReset:
		// Data-loss path: discards local divergence entirely.
		return nil, bridge.ResetHard(ctx, target.SandboxID, target.LocalDir, remoteRef)

	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}
