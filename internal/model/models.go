// internal/model/models.go
package model

import (
	"fmt"
	"time"
)

// Visibility of a remote repository.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Repository identifies exactly one remote Git repository. Created once per
// logical project; immutable except for DefaultBranch.
type Repository struct {
	ID            int64      `json:"id"`
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	DefaultBranch string     `json:"default_branch"`
	CloneURL      string     `json:"clone_url"`
	Visibility    Visibility `json:"visibility"`
	WorkspaceID   string     `json:"workspace_id"`
	SessionID     string     `json:"session_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FullName returns the "owner/name" form used by the provider and in
// webhook payloads.
func (r Repository) FullName() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// TargetMode selects how a SyncTarget commits: through a local clone inside
// the sandbox, or through the provider's object API without a clone. The mode
// is fixed at provisioning time so one target never mixes the two histories.
type TargetMode string

const (
	ModeClone TargetMode = "clone"
	ModeAPI   TargetMode = "api"
)

// SyncTarget binds one active sandbox to one repository branch. Multiple
// targets may reference the same repository (webhook fan-out).
type SyncTarget struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	WorkspaceID  string     `json:"workspace_id"`
	SandboxID    string     `json:"sandbox_id"`
	RepositoryID int64      `json:"repository_id"`
	Repository   Repository `json:"repository"`
	Branch       string     `json:"branch"`
	LocalDir     string     `json:"local_dir"`
	Mode         TargetMode `json:"mode"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ChangeAction classifies a single file change.
type ChangeAction string

const (
	ActionAdd    ChangeAction = "add"
	ActionModify ChangeAction = "modify"
	ActionDelete ChangeAction = "delete"
)

// FileChange is one entry of a detected change set. Ephemeral, produced per
// sync attempt.
type FileChange struct {
	Path   string       `json:"path"`
	Action ChangeAction `json:"action"`
}

// OperationType distinguishes the three kinds of sync operations.
type OperationType string

const (
	OpPush  OperationType = "push"
	OpPull  OperationType = "pull"
	OpSetup OperationType = "setup"
)

// OperationStatus is the lifecycle state of a SyncOperation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusConflict  OperationStatus = "conflict"
)

// Terminal reports whether a status admits no further transitions.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusConflict
}

// CommitRef describes the commit produced by a push (or landed by a pull).
type CommitRef struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author"`
}

// ChangeSummary carries the file counts of one sync attempt.
type ChangeSummary struct {
	FilesAdded    int `json:"files_added"`
	FilesModified int `json:"files_modified"`
	FilesDeleted  int `json:"files_deleted"`
	Conflicts     int `json:"conflicts"`
}

// Conflict names one path where local and remote diverged. Produced only by
// pulls; the engine never auto-resolves content conflicts.
type Conflict struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// SyncOperation is one persisted invocation of push/pull/setup. Append-only;
// never mutated after reaching a terminal status.
type SyncOperation struct {
	ID           string          `json:"id"`
	Type         OperationType   `json:"type"`
	Status       OperationStatus `json:"status"`
	RepositoryID int64           `json:"repository_id"`
	TargetID     string          `json:"target_id,omitempty"`
	Branch       string          `json:"branch"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Commit       *CommitRef      `json:"commit,omitempty"`
	Summary      ChangeSummary   `json:"summary"`
	Conflicts    []Conflict      `json:"conflicts,omitempty"`
	Errors       []string        `json:"errors,omitempty"`
}

// WebhookEvent is one inbound provider delivery, stored for traceability and
// idempotent replay.
type WebhookEvent struct {
	ID             string    `json:"id"`
	DeliveryKey    string    `json:"delivery_key"`
	Type           string    `json:"type"`
	RepoFullName   string    `json:"repository_full_name"`
	ReceivedAt     time.Time `json:"received_at"`
	Payload        []byte    `json:"-"`
	SignatureValid bool      `json:"signature_valid"`
	Processed      bool      `json:"processed"`
	Result         []byte    `json:"-"`
}

// Credential holds one workspace's provider token, encrypted at rest. The
// plaintext exists only transiently inside vault calls.
type Credential struct {
	WorkspaceID    string    `json:"workspace_id"`
	TokenEncrypted string    `json:"-"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MergeStrategy selects how a pull applies remote changes.
type MergeStrategy string

const (
	StrategyMerge  MergeStrategy = "merge"
	StrategyRebase MergeStrategy = "rebase"
	StrategyReset  MergeStrategy = "reset"
)
