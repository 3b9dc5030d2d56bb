// internal/store/postgres.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sandbox-repo-sync/internal/model"
)

// PG is the pgx-backed Querier. Callers distinguish "missing row" with
// errors.Is(err, pgx.ErrNoRows).
type PG struct {
	pool *pgxpool.Pool
}

var _ Querier = (*PG)(nil)

// NewPG wraps an existing connection pool.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// UpsertRepository inserts or refreshes a repository registration and returns
// the stored row.
func (s *PG) UpsertRepository(ctx context.Context, repo *model.Repository) (model.Repository, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO repositories (owner, name, default_branch, clone_url, visibility, workspace_id, session_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (owner, name) DO UPDATE
		SET default_branch = EXCLUDED.default_branch,
		    clone_url      = EXCLUDED.clone_url,
		    updated_at     = now()
		RETURNING id, owner, name, default_branch, clone_url, visibility, workspace_id, session_id, created_at, updated_at`,
		repo.Owner, repo.Name, repo.DefaultBranch, repo.CloneURL, repo.Visibility, repo.WorkspaceID, repo.SessionID)
	return scanRepository(row)
}

// GetRepository looks a repository up by owner and name.
func (s *PG) GetRepository(ctx context.Context, owner, name string) (model.Repository, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner, name, default_branch, clone_url, visibility, workspace_id, session_id, created_at, updated_at
		FROM repositories WHERE owner = $1 AND name = $2`, owner, name)
	return scanRepository(row)
}

// GetRepositoryBySession looks a repository up by its provisioning keys.
func (s *PG) GetRepositoryBySession(ctx context.Context, workspaceID, sessionID string) (model.Repository, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner, name, default_branch, clone_url, visibility, workspace_id, session_id, created_at, updated_at
		FROM repositories WHERE workspace_id = $1 AND session_id = $2
		ORDER BY created_at DESC LIMIT 1`, workspaceID, sessionID)
	return scanRepository(row)
}

func scanRepository(row pgx.Row) (model.Repository, error) {
	var r model.Repository
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.DefaultBranch, &r.CloneURL, &r.Visibility,
		&r.WorkspaceID, &r.SessionID, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// CreateSyncTarget registers a sandbox↔repository binding.
func (s *PG) CreateSyncTarget(ctx context.Context, target *model.SyncTarget) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_targets (id, session_id, workspace_id, sandbox_id, repository_id, branch, local_dir, mode, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		target.ID, target.SessionID, target.WorkspaceID, target.SandboxID,
		target.RepositoryID, target.Branch, target.LocalDir, target.Mode, target.Active)
	return err
}

const targetColumns = `t.id, t.session_id, t.workspace_id, t.sandbox_id, t.repository_id, t.branch, t.local_dir, t.mode, t.active, t.created_at,
	r.id, r.owner, r.name, r.default_branch, r.clone_url, r.visibility, r.workspace_id, r.session_id, r.created_at, r.updated_at`

func scanTarget(row pgx.Row) (model.SyncTarget, error) {
	var t model.SyncTarget
	err := row.Scan(&t.ID, &t.SessionID, &t.WorkspaceID, &t.SandboxID, &t.RepositoryID,
		&t.Branch, &t.LocalDir, &t.Mode, &t.Active, &t.CreatedAt,
		&t.Repository.ID, &t.Repository.Owner, &t.Repository.Name, &t.Repository.DefaultBranch,
		&t.Repository.CloneURL, &t.Repository.Visibility, &t.Repository.WorkspaceID,
		&t.Repository.SessionID, &t.Repository.CreatedAt, &t.Repository.UpdatedAt)
	return t, err
}

// GetSyncTarget returns one target with its repository joined in.
func (s *PG) GetSyncTarget(ctx context.Context, id string) (model.SyncTarget, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_targets t
		JOIN repositories r ON r.id = t.repository_id
		WHERE t.id = $1`, targetColumns), id)
	return scanTarget(row)
}

// ListActiveTargets returns every active target bound to the repository with
// the given full name, for webhook fan-out.
func (s *PG) ListActiveTargets(ctx context.Context, repoFullName string) ([]model.SyncTarget, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_targets t
		JOIN repositories r ON r.id = t.repository_id
		WHERE t.active AND r.owner || '/' || r.name = $1
		ORDER BY t.created_at`, targetColumns), repoFullName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []model.SyncTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// DeactivateSyncTarget marks a target inactive (sandbox torn down).
func (s *PG) DeactivateSyncTarget(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sync_targets SET active = FALSE WHERE id = $1`, id)
	return err
}

// CreateOperation inserts a new sync operation row.
func (s *PG) CreateOperation(ctx context.Context, op *model.SyncOperation) error {
	conflicts, errs, err := marshalOpJSON(op)
	if err != nil {
		return err
	}
	var targetID *string
	if op.TargetID != "" {
		targetID = &op.TargetID
	}
	// Setup can fail before a repository exists; record NULL rather than a
	// dangling reference.
	var repoID *int64
	if op.RepositoryID != 0 {
		repoID = &op.RepositoryID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_operations (id, type, status, repository_id, target_id, branch, started_at, ended_at,
			commit_sha, commit_msg, commit_author, files_added, files_modified, files_deleted, conflict_count, conflicts, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		op.ID, op.Type, op.Status, repoID, targetID, op.Branch, op.StartedAt, op.EndedAt,
		commitField(op, func(c *model.CommitRef) string { return c.SHA }),
		commitField(op, func(c *model.CommitRef) string { return c.Message }),
		commitField(op, func(c *model.CommitRef) string { return c.Author }),
		op.Summary.FilesAdded, op.Summary.FilesModified, op.Summary.FilesDeleted, op.Summary.Conflicts,
		conflicts, errs)
	return err
}

// UpdateOperation rewrites a non-terminal operation row with its latest state.
func (s *PG) UpdateOperation(ctx context.Context, op *model.SyncOperation) error {
	conflicts, errs, err := marshalOpJSON(op)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_operations
		SET status = $2, ended_at = $3, commit_sha = $4, commit_msg = $5, commit_author = $6,
		    files_added = $7, files_modified = $8, files_deleted = $9, conflict_count = $10,
		    conflicts = $11, errors = $12
		WHERE id = $1`,
		op.ID, op.Status, op.EndedAt,
		commitField(op, func(c *model.CommitRef) string { return c.SHA }),
		commitField(op, func(c *model.CommitRef) string { return c.Message }),
		commitField(op, func(c *model.CommitRef) string { return c.Author }),
		op.Summary.FilesAdded, op.Summary.FilesModified, op.Summary.FilesDeleted, op.Summary.Conflicts,
		conflicts, errs)
	return err
}

func marshalOpJSON(op *model.SyncOperation) (conflicts, errs []byte, err error) {
	if op.Conflicts == nil {
		conflicts = []byte("[]")
	} else if conflicts, err = json.Marshal(op.Conflicts); err != nil {
		return nil, nil, err
	}
	if op.Errors == nil {
		errs = []byte("[]")
	} else if errs, err = json.Marshal(op.Errors); err != nil {
		return nil, nil, err
	}
	return conflicts, errs, nil
}

func commitField(op *model.SyncOperation, pick func(*model.CommitRef) string) *string {
	if op.Commit == nil {
		return nil
	}
	v := pick(op.Commit)
	return &v
}

const operationColumns = `id, type, status, repository_id, target_id, branch, started_at, ended_at,
	commit_sha, commit_msg, commit_author, files_added, files_modified, files_deleted, conflict_count, conflicts, errors`

func scanOperation(row pgx.Row) (model.SyncOperation, error) {
	var (
		op                   model.SyncOperation
		repoID               *int64
		targetID             *string
		endedAt              *time.Time
		sha, msg, author     *string
		conflicts, errsBytes []byte
	)
	err := row.Scan(&op.ID, &op.Type, &op.Status, &repoID, &targetID, &op.Branch,
		&op.StartedAt, &endedAt, &sha, &msg, &author,
		&op.Summary.FilesAdded, &op.Summary.FilesModified, &op.Summary.FilesDeleted, &op.Summary.Conflicts,
		&conflicts, &errsBytes)
	if err != nil {
		return op, err
	}
	if repoID != nil {
		op.RepositoryID = *repoID
	}
	if targetID != nil {
		op.TargetID = *targetID
	}
	op.EndedAt = endedAt
	if sha != nil {
		op.Commit = &model.CommitRef{SHA: *sha}
		if msg != nil {
			op.Commit.Message = *msg
		}
		if author != nil {
			op.Commit.Author = *author
		}
	}
	if err := json.Unmarshal(conflicts, &op.Conflicts); err != nil {
		return op, err
	}
	if err := json.Unmarshal(errsBytes, &op.Errors); err != nil {
		return op, err
	}
	return op, nil
}

// GetOperation fetches one operation by id.
func (s *PG) GetOperation(ctx context.Context, id string) (model.SyncOperation, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM sync_operations WHERE id = $1`, operationColumns), id)
	return scanOperation(row)
}

// ListOperations returns the newest operations for a repository.
func (s *PG) ListOperations(ctx context.Context, repositoryID int64, limit int) ([]model.SyncOperation, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_operations WHERE repository_id = $1
		ORDER BY started_at DESC LIMIT $2`, operationColumns), repositoryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []model.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// LatestOperationForTarget returns a target's most recent operation.
func (s *PG) LatestOperationForTarget(ctx context.Context, targetID string) (model.SyncOperation, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_operations WHERE target_id = $1
		ORDER BY started_at DESC LIMIT 1`, operationColumns), targetID)
	return scanOperation(row)
}

// InsertWebhookEvent records an inbound delivery. A delivery key already
// present surfaces as ErrDuplicateKey so the caller can treat the insert as a
// duplicate instead of a failure.
func (s *PG) InsertWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, delivery_key, type, repo_full_name, received_at, payload, signature_valid, processed, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.DeliveryKey, ev.Type, ev.RepoFullName, ev.ReceivedAt, ev.Payload,
		ev.SignatureValid, ev.Processed, ev.Result)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("webhook event %s: %w", ev.DeliveryKey, ErrDuplicateKey)
	}
	return err
}

// GetWebhookEventByDeliveryKey looks up a prior delivery for dedup.
func (s *PG) GetWebhookEventByDeliveryKey(ctx context.Context, key string) (model.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, delivery_key, type, repo_full_name, received_at, payload, signature_valid, processed, result
		FROM webhook_events WHERE delivery_key = $1`, key)
	return scanWebhookEvent(row)
}

// MarkWebhookEventProcessed stores the terminal result of a delivery.
func (s *PG) MarkWebhookEventProcessed(ctx context.Context, id string, result []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET processed = TRUE, result = $2 WHERE id = $1`, id, result)
	return err
}

// ListWebhookEvents returns the newest deliveries for a repository.
func (s *PG) ListWebhookEvents(ctx context.Context, repoFullName string, limit int) ([]model.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, delivery_key, type, repo_full_name, received_at, payload, signature_valid, processed, result
		FROM webhook_events WHERE repo_full_name = $1
		ORDER BY received_at DESC LIMIT $2`, repoFullName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanWebhookEvent(row pgx.Row) (model.WebhookEvent, error) {
	var ev model.WebhookEvent
	err := row.Scan(&ev.ID, &ev.DeliveryKey, &ev.Type, &ev.RepoFullName, &ev.ReceivedAt,
		&ev.Payload, &ev.SignatureValid, &ev.Processed, &ev.Result)
	return ev, err
}

// UpsertCredential stores a workspace's encrypted token and commit identity.
func (s *PG) UpsertCredential(ctx context.Context, cred *model.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (workspace_id, token_encrypted, username, email, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (workspace_id) DO UPDATE
		SET token_encrypted = EXCLUDED.token_encrypted,
		    username        = EXCLUDED.username,
		    email           = EXCLUDED.email,
		    updated_at      = now()`,
		cred.WorkspaceID, cred.TokenEncrypted, cred.Username, cred.Email)
	return err
}

// GetCredential fetches a workspace's stored credential.
func (s *PG) GetCredential(ctx context.Context, workspaceID string) (model.Credential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT workspace_id, token_encrypted, username, email, updated_at
		FROM credentials WHERE workspace_id = $1`, workspaceID)
	var c model.Credential
	err := row.Scan(&c.WorkspaceID, &c.TokenEncrypted, &c.Username, &c.Email, &c.UpdatedAt)
	return c, err
}
