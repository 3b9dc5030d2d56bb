// internal/notify/notify.go

// Package notify decouples sync outcomes from how they are surfaced. The
// service ships a structured-log sink; richer sinks (chat, SSE) implement the
// same interface.
package notify

import (
	"context"
	"log/slog"

	"sandbox-repo-sync/internal/model"
)

// Sink receives notable sync outcomes. Implementations must not block.
type Sink interface {
	// CodeUpdated fires after a pull landed remote changes in a sandbox.
	CodeUpdated(ctx context.Context, target model.SyncTarget, op model.SyncOperation)
	// SyncFailed fires when a push or pull ends failed or conflicted.
	SyncFailed(ctx context.Context, target model.SyncTarget, op model.SyncOperation)
	// EventIgnored fires for webhook deliveries recorded but not acted on.
	EventIgnored(ctx context.Context, eventType, repoFullName, reason string)
}

// LogSink writes every notification to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink builds a Sink backed by logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) CodeUpdated(_ context.Context, target model.SyncTarget, op model.SyncOperation) {
	s.logger.Info("Sandbox code updated from remote",
		"target", target.ID, "repo", target.Repository.FullName(), "branch", op.Branch,
		"operation_id", op.ID,
		"added", op.Summary.FilesAdded, "modified", op.Summary.FilesModified, "deleted", op.Summary.FilesDeleted)
}

func (s *LogSink) SyncFailed(_ context.Context, target model.SyncTarget, op model.SyncOperation) {
	s.logger.Warn("Sync operation did not complete",
		"target", target.ID, "repo", target.Repository.FullName(), "branch", op.Branch,
		"operation_id", op.ID, "status", string(op.Status), "errors", op.Errors, "conflicts", len(op.Conflicts))
}

func (s *LogSink) EventIgnored(_ context.Context, eventType, repoFullName, reason string) {
	s.logger.Info("Webhook event recorded without action",
		"event", eventType, "repo", repoFullName, "reason", reason)
}
