// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"

	"sandbox-repo-sync/internal/engine"
	syncerrors "sandbox-repo-sync/internal/errors"
	"sandbox-repo-sync/internal/model"
	"sandbox-repo-sync/internal/orchestrator"
	"sandbox-repo-sync/internal/webhook"
)

// maxWebhookBody caps inbound delivery payloads at 5 MiB.
const maxWebhookBody = 5 << 20

// Syncer is the orchestrator surface the HTTP layer needs.
type Syncer interface {
	ProvisionRepository(ctx context.Context, req orchestrator.ProvisionRequest) (model.SyncTarget, error)
	StoreCredential(ctx context.Context, workspaceID, token, username, email string) error
	SyncToRemote(ctx context.Context, targetID string, opts engine.PushOptions) (model.SyncOperation, error)
	SyncFromRemote(ctx context.Context, targetID string, opts engine.PullOptions) (model.SyncOperation, error)
	DeactivateTarget(ctx context.Context, targetID string) error
	Status(ctx context.Context, targetID string) (orchestrator.TargetStatus, error)
	ListOperations(ctx context.Context, owner, name string, limit int) ([]model.SyncOperation, error)
	ListEvents(ctx context.Context, owner, name string, limit int) ([]model.WebhookEvent, error)
}

// Ingestor is the webhook surface the HTTP layer needs.
type Ingestor interface {
	Ingest(ctx context.Context, d webhook.Delivery) (webhook.Result, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	syncer   Syncer
	ingestor Ingestor
	logger   *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(syncer Syncer, ingestor Ingestor, logger *slog.Logger) http.Handler {
	h := &Handler{
		syncer:   syncer,
		ingestor: ingestor,
		logger:   logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", h.healthCheck)
	r.Post("/webhook", h.handleWebhook)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/targets", h.provisionTarget)
		r.Put("/credentials/{workspaceID}", h.putCredential)
		r.Delete("/targets/{id}", h.deactivateTarget)
		r.Post("/targets/{id}/push", h.pushTarget)
		r.Post("/targets/{id}/pull", h.pullTarget)
		r.Get("/targets/{id}/status", h.targetStatus)
		r.Get("/repos/{owner}/{name}/operations", h.listOperations)
		r.Get("/repos/{owner}/{name}/events", h.listEvents)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook accepts one provider delivery.
// POST /webhook
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), webhook.Delivery{
		ID:        r.Header.Get("X-GitHub-Delivery"),
		Event:     r.Header.Get("X-GitHub-Event"),
		Signature: r.Header.Get("X-Hub-Signature-256"),
		Body:      body,
	})
	if err != nil {
		var sigErr *syncerrors.SignatureError
		if errors.As(err, &sigErr) {
			respondWithError(w, http.StatusUnauthorized, "Invalid webhook signature")
			return
		}
		h.logger.Error("Webhook processing failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// provisionTarget sets up a repository and sync target for a sandbox.
// POST /v1/targets
func (h *Handler) provisionTarget(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.WorkspaceID == "" || req.SandboxID == "" || req.Owner == "" || req.ProjectName == "" {
		respondWithError(w, http.StatusBadRequest, "workspace_id, sandbox_id, owner and project_name are required")
		return
	}

	target, err := h.syncer.ProvisionRepository(r.Context(), req)
	if err != nil {
		h.logger.Error("Provisioning failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Provisioning failed")
		return
	}
	respondWithJSON(w, http.StatusCreated, target)
}

type credentialRequest struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// putCredential stores a workspace's provider token (encrypted at rest).
// PUT /v1/credentials/{workspaceID}
func (h *Handler) putCredential(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Token == "" {
		respondWithError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := h.syncer.StoreCredential(r.Context(), workspaceID, req.Token, req.Username, req.Email); err != nil {
		h.logger.Error("Failed to store credential", "workspace", workspaceID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deactivateTarget stops syncing a target.
// DELETE /v1/targets/{id}
func (h *Handler) deactivateTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.syncer.DeactivateTarget(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Sync target not found")
			return
		}
		h.logger.Error("Failed to deactivate target", "target", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pushRequest struct {
	Message         string   `json:"message"`
	Branch          string   `json:"branch"`
	IncludePatterns []string `json:"include_patterns"`
	ExcludePatterns []string `json:"exclude_patterns"`
	AllowEmpty      bool     `json:"allow_empty"`
	CreatePR        bool     `json:"create_pr"`
	TargetBranch    string   `json:"target_branch"`
	PRTitle         string   `json:"pr_title"`
}

// pushTarget syncs a sandbox's changes out to its repository branch.
// POST /v1/targets/{id}/push
func (h *Handler) pushTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req pushRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	op, err := h.syncer.SyncToRemote(r.Context(), id, engine.PushOptions{
		Message:         req.Message,
		Branch:          req.Branch,
		IncludePatterns: req.IncludePatterns,
		ExcludePatterns: req.ExcludePatterns,
		AllowEmpty:      req.AllowEmpty,
		CreatePR:        req.CreatePR,
		TargetBranch:    req.TargetBranch,
		PRTitle:         req.PRTitle,
	})
	if err != nil {
		h.respondOperationError(w, id, err)
		return
	}
	respondWithJSON(w, operationStatusCode(op), op)
}

type pullRequest struct {
	Strategy    string `json:"strategy"`
	BackupLocal bool   `json:"backup_local"`
}

// pullTarget syncs remote changes into a sandbox.
// POST /v1/targets/{id}/pull
func (h *Handler) pullTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req pullRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	strategy := model.MergeStrategy(req.Strategy)
	switch strategy {
	case "", model.StrategyMerge, model.StrategyRebase, model.StrategyReset:
	default:
		respondWithError(w, http.StatusBadRequest, "strategy must be merge, rebase or reset")
		return
	}

	op, err := h.syncer.SyncFromRemote(r.Context(), id, engine.PullOptions{
		Strategy:    strategy,
		BackupLocal: req.BackupLocal,
	})
	if err != nil {
		h.respondOperationError(w, id, err)
		return
	}
	respondWithJSON(w, operationStatusCode(op), op)
}

// targetStatus reports a sync target and its latest operation.
// GET /v1/targets/{id}/status
func (h *Handler) targetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.syncer.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Sync target not found")
			return
		}
		h.logger.Error("Failed to get target status", "target", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// listOperations returns recent sync operations for a repository.
// GET /v1/repos/{owner}/{name}/operations?limit=N
func (h *Handler) listOperations(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	ops, err := h.syncer.ListOperations(r.Context(), owner, name, limit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return
		}
		h.logger.Error("Failed to list operations", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, ops)
}

// listEvents returns recent webhook events for a repository.
// GET /v1/repos/{owner}/{name}/events?limit=N
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	name := chi.URLParam(r, "name")

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	events, err := h.syncer.ListEvents(r.Context(), owner, name, limit)
	if err != nil {
		h.logger.Error("Failed to list webhook events", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, events)
}

// respondOperationError maps sync errors onto HTTP status codes.
func (h *Handler) respondOperationError(w http.ResponseWriter, targetID string, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		respondWithError(w, http.StatusNotFound, "Sync target not found")
		return
	}
	h.logger.Error("Sync request failed", "target", targetID, "error", err)
	respondWithError(w, http.StatusInternalServerError, "Internal server error")
}

// operationStatusCode picks the HTTP code for a finished operation: conflicts
// map to 409 so callers can branch without parsing the body.
func operationStatusCode(op model.SyncOperation) int {
	switch op.Status {
	case model.StatusConflict:
		return http.StatusConflict
	case model.StatusFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

// decodeOptionalBody decodes JSON into dst, treating an empty body as the
// zero value.
func decodeOptionalBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// parseLimit reads and validates the ?limit query parameter.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		limitStr = "20" // Default limit
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 100 {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 100.")
		return 0, false
	}
	return limit, true
}
