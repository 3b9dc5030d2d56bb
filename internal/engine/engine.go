// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	syncerrors "sandbox-repo-sync/internal/errors"
	"sandbox-repo-sync/internal/model"
	"sandbox-repo-sync/internal/remote"
	"sandbox-repo-sync/internal/sandbox"
	"sandbox-repo-sync/internal/store"
	"sandbox-repo-sync/internal/vault"
)

const (
	defaultOperationTimeout = 3 * time.Minute
	defaultLockWait         = 30 * time.Second
)

// Config carries the shared collaborators of both engines.
type Config struct {
	Bridge   *sandbox.GitBridge
	Provider remote.Provider
	Vault    *vault.Vault
	Store    store.Querier
	Locks    *LockRegistry
	Logger   *slog.Logger

	// OperationTimeout bounds one push or pull end to end.
	OperationTimeout time.Duration
	// LockWait bounds how long an operation waits on the branch lock.
	LockWait time.Duration
}

func (c *Config) defaults() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.LockWait <= 0 {
		c.LockWait = defaultLockWait
	}
	if c.Locks == nil {
		c.Locks = NewLockRegistry()
	}
}

func newOperation(opType model.OperationType, target model.SyncTarget, branch string) *model.SyncOperation {
	return &model.SyncOperation{
		ID:           uuid.NewString(),
		Type:         opType,
		Status:       model.StatusPending,
		RepositoryID: target.RepositoryID,
		TargetID:     target.ID,
		Branch:       branch,
		StartedAt:    time.Now().UTC(),
	}
}

// credential decrypts the workspace token and resolves the commit identity.
func resolveCredential(ctx context.Context, q store.Querier, v *vault.Vault, workspaceID string) (token, username, email string, err error) {
	cred, err := q.GetCredential(ctx, workspaceID)
	if err != nil {
		return "", "", "", err
	}
	token, err = v.Decrypt(cred.TokenEncrypted)
	if err != nil {
		return "", "", "", err
	}
	username = cred.Username
	if username == "" {
		username = "sync-bot"
	}
	email = cred.Email
	if email == "" {
		email = "sync-bot@localhost"
	}
	return token, username, email, nil
}

// finish transitions an operation to a terminal status and persists it.
func finish(ctx context.Context, q store.Querier, logger *slog.Logger, op *model.SyncOperation, status model.OperationStatus) model.SyncOperation {
	now := time.Now().UTC()
	op.Status = status
	op.EndedAt = &now
	// Persist with a context that survives caller cancellation: a cancelled
	// operation must still be recorded as failed, not dropped.
	if err := q.UpdateOperation(context.WithoutCancel(ctx), op); err != nil {
		logger.Error("Failed to persist sync operation", "operation_id", op.ID, "error", err)
	}
	return *op
}

// fail records err on the operation and finishes it as failed, classifying
// timeouts and cancellations explicitly.
func fail(ctx context.Context, q store.Querier, logger *slog.Logger, op *model.SyncOperation, err error) model.SyncOperation {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		op.Errors = append(op.Errors, (&syncerrors.TimeoutError{Op: string(op.Type), Limit: time.Since(op.StartedAt).Round(time.Second)}).Error())
	case errors.Is(err, context.Canceled):
		op.Errors = append(op.Errors, "operation cancelled")
	default:
		op.Errors = append(op.Errors, err.Error())
	}
	logger.Error("Sync operation failed", "operation_id", op.ID, "type", op.Type, "error", err)
	return finish(ctx, q, logger, op, model.StatusFailed)
}

// filterChanges applies include/exclude glob patterns to a change set.
// Include patterns, when present, whitelist; exclude patterns always win.
func filterChanges(changes []model.FileChange, include, exclude []string) []model.FileChange {
	if len(include) == 0 && len(exclude) == 0 {
		return changes
	}
	var out []model.FileChange
	for _, c := range changes {
		if len(include) > 0 && !matchAny(include, c.Path) {
			continue
		}
		if matchAny(exclude, c.Path) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, p); err == nil && ok {
			return true
		}
		// Also match against the basename so "*.log" covers nested paths.
		if ok, err := path.Match(pattern, path.Base(p)); err == nil && ok {
			return true
		}
	}
	return false
}
