// internal/store/store.go

// Package store persists the subsystem's durable state: registered
// repositories, sync targets, sync-operation history, webhook events (for
// idempotent replay) and encrypted credentials.
package store

import (
	"context"
	"errors"

	"sandbox-repo-sync/internal/model"
)

// ErrDuplicateKey reports a uniqueness violation on insert. Both
// implementations return it from InsertWebhookEvent when the delivery key is
// already recorded, so a concurrent redelivery can be collapsed into the
// first delivery's outcome.
var ErrDuplicateKey = errors.New("duplicate key")

// Querier is the persistence contract consumed by the engines, the webhook
// ingestor and the orchestrator. The Postgres implementation lives in this
// package; tests substitute mocks.
type Querier interface {
	UpsertRepository(ctx context.Context, repo *model.Repository) (model.Repository, error)
	GetRepository(ctx context.Context, owner, name string) (model.Repository, error)
	GetRepositoryBySession(ctx context.Context, workspaceID, sessionID string) (model.Repository, error)

	CreateSyncTarget(ctx context.Context, target *model.SyncTarget) error
	GetSyncTarget(ctx context.Context, id string) (model.SyncTarget, error)
	ListActiveTargets(ctx context.Context, repoFullName string) ([]model.SyncTarget, error)
	DeactivateSyncTarget(ctx context.Context, id string) error

	CreateOperation(ctx context.Context, op *model.SyncOperation) error
	UpdateOperation(ctx context.Context, op *model.SyncOperation) error
	GetOperation(ctx context.Context, id string) (model.SyncOperation, error)
	ListOperations(ctx context.Context, repositoryID int64, limit int) ([]model.SyncOperation, error)
	LatestOperationForTarget(ctx context.Context, targetID string) (model.SyncOperation, error)

	InsertWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error
	GetWebhookEventByDeliveryKey(ctx context.Context, key string) (model.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, id string, result []byte) error
	ListWebhookEvents(ctx context.Context, repoFullName string, limit int) ([]model.WebhookEvent, error)

	UpsertCredential(ctx context.Context, cred *model.Credential) error
	GetCredential(ctx context.Context, workspaceID string) (model.Credential, error)
}
