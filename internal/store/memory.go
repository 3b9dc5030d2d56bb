// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"sandbox-repo-sync/internal/model"
)

// Memory is an in-memory Querier used by tests and by the service's
// dev mode. Missing rows surface as pgx.ErrNoRows to match PG.
type Memory struct {
	mu          sync.Mutex
	repos       map[int64]model.Repository
	nextRepoID  int64
	targets     map[string]model.SyncTarget
	operations  map[string]model.SyncOperation
	events      map[string]model.WebhookEvent
	credentials map[string]model.Credential
}

var _ Querier = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		repos:       make(map[int64]model.Repository),
		nextRepoID:  1,
		targets:     make(map[string]model.SyncTarget),
		operations:  make(map[string]model.SyncOperation),
		events:      make(map[string]model.WebhookEvent),
		credentials: make(map[string]model.Credential),
	}
}

func (s *Memory) UpsertRepository(_ context.Context, repo *model.Repository) (model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.repos {
		if existing.Owner == repo.Owner && existing.Name == repo.Name {
			existing.DefaultBranch = repo.DefaultBranch
			existing.CloneURL = repo.CloneURL
			s.repos[id] = existing
			return existing, nil
		}
	}
	stored := *repo
	stored.ID = s.nextRepoID
	s.nextRepoID++
	s.repos[stored.ID] = stored
	return stored, nil
}

func (s *Memory) GetRepository(_ context.Context, owner, name string) (model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.repos {
		if r.Owner == owner && r.Name == name {
			return r, nil
		}
	}
	return model.Repository{}, pgx.ErrNoRows
}

func (s *Memory) GetRepositoryBySession(_ context.Context, workspaceID, sessionID string) (model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.repos {
		if r.WorkspaceID == workspaceID && r.SessionID == sessionID {
			return r, nil
		}
	}
	return model.Repository{}, pgx.ErrNoRows
}

func (s *Memory) CreateSyncTarget(_ context.Context, target *model.SyncTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *target
	if repo, ok := s.repos[t.RepositoryID]; ok {
		t.Repository = repo
	}
	s.targets[t.ID] = t
	return nil
}

func (s *Memory) GetSyncTarget(_ context.Context, id string) (model.SyncTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return model.SyncTarget{}, pgx.ErrNoRows
	}
	return t, nil
}

func (s *Memory) ListActiveTargets(_ context.Context, repoFullName string) ([]model.SyncTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SyncTarget
	for _, t := range s.targets {
		if t.Active && t.Repository.FullName() == repoFullName {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) DeactivateSyncTarget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return pgx.ErrNoRows
	}
	t.Active = false
	s.targets[id] = t
	return nil
}

func (s *Memory) CreateOperation(_ context.Context, op *model.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[op.ID] = cloneOperation(op)
	return nil
}

func (s *Memory) UpdateOperation(_ context.Context, op *model.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.ID]; !ok {
		return pgx.ErrNoRows
	}
	s.operations[op.ID] = cloneOperation(op)
	return nil
}

func cloneOperation(op *model.SyncOperation) model.SyncOperation {
	c := *op
	c.Conflicts = append([]model.Conflict(nil), op.Conflicts...)
	c.Errors = append([]string(nil), op.Errors...)
	if op.Commit != nil {
		commit := *op.Commit
		c.Commit = &commit
	}
	return c
}

func (s *Memory) GetOperation(_ context.Context, id string) (model.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return model.SyncOperation{}, pgx.ErrNoRows
	}
	return op, nil
}

func (s *Memory) ListOperations(_ context.Context, repositoryID int64, limit int) ([]model.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SyncOperation
	for _, op := range s.operations {
		if op.RepositoryID == repositoryID {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) LatestOperationForTarget(_ context.Context, targetID string) (model.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.SyncOperation
	for _, op := range s.operations {
		op := op
		if op.TargetID != targetID {
			continue
		}
		if latest == nil || op.StartedAt.After(latest.StartedAt) {
			latest = &op
		}
	}
	if latest == nil {
		return model.SyncOperation{}, pgx.ErrNoRows
	}
	return *latest, nil
}

func (s *Memory) InsertWebhookEvent(_ context.Context, ev *model.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events {
		if existing.DeliveryKey == ev.DeliveryKey {
			return ErrDuplicateKey
		}
	}
	s.events[ev.ID] = *ev
	return nil
}

func (s *Memory) GetWebhookEventByDeliveryKey(_ context.Context, key string) (model.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.DeliveryKey == key {
			return ev, nil
		}
	}
	return model.WebhookEvent{}, pgx.ErrNoRows
}

func (s *Memory) MarkWebhookEventProcessed(_ context.Context, id string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return pgx.ErrNoRows
	}
	ev.Processed = true
	ev.Result = result
	s.events[id] = ev
	return nil
}

func (s *Memory) ListWebhookEvents(_ context.Context, repoFullName string, limit int) ([]model.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WebhookEvent
	for _, ev := range s.events {
		if ev.RepoFullName == repoFullName {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) UpsertCredential(_ context.Context, cred *model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.WorkspaceID] = *cred
	return nil
}

func (s *Memory) GetCredential(_ context.Context, workspaceID string) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[workspaceID]
	if !ok {
		return model.Credential{}, pgx.ErrNoRows
	}
	return c, nil
}
