// internal/webhook/ingestor.go

// Package webhook verifies, deduplicates and routes inbound provider
// deliveries. Verification is HMAC-SHA256 over the raw body compared in
// constant time; duplicates short-circuit to the recorded first result.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	syncerrors "sandbox-repo-sync/internal/errors"
	"sandbox-repo-sync/internal/model"
	"sandbox-repo-sync/internal/notify"
	"sandbox-repo-sync/internal/store"
)

// SignaturePrefix is the scheme GitHub prepends to the hex digest.
const SignaturePrefix = "sha256="

// Dispatcher fans an inbound push out to the affected sync targets.
type Dispatcher interface {
	HandleInboundPush(ctx context.Context, repoFullName, branch string) ([]model.SyncOperation, error)
}

// Delivery is one raw inbound webhook request.
type Delivery struct {
	// ID is the provider's delivery identifier (X-GitHub-Delivery). May be
	// empty; dedup then falls back to a content hash.
	ID        string
	Event     string
	Signature string
	Body      []byte
}

// Result summarizes what one delivery caused. Persisted alongside the event
// so a redelivery returns the original outcome.
type Result struct {
	EventID    string                `json:"event_id"`
	Event      string                `json:"event"`
	Repo       string                `json:"repo"`
	Branch     string                `json:"branch,omitempty"`
	Duplicate  bool                  `json:"duplicate,omitempty"`
	Ignored    bool                  `json:"ignored,omitempty"`
	Operations []model.SyncOperation `json:"operations,omitempty"`
}

// Ingestor verifies and routes webhook deliveries.
type Ingestor struct {
	secret     string
	store      store.Querier
	dispatcher Dispatcher
	sink       notify.Sink
	logger     *slog.Logger
}

// NewIngestor builds an ingestor. An empty secret disables verification;
// config validation refuses that outside dev environments, and the gap is
// logged loudly at startup here.
func NewIngestor(secret string, q store.Querier, d Dispatcher, sink notify.Sink, logger *slog.Logger) *Ingestor {
	if secret == "" {
		logger.Warn("Webhook secret is empty; signature verification is DISABLED")
	}
	return &Ingestor{secret: secret, store: q, dispatcher: d, sink: sink, logger: logger}
}

// VerifySignature checks the X-Hub-Signature-256 header against body.
func (i *Ingestor) VerifySignature(body []byte, header string) error {
	if i.secret == "" {
		return nil
	}
	if header == "" {
		return &syncerrors.SignatureError{Reason: "missing signature header"}
	}
	if !strings.HasPrefix(header, SignaturePrefix) {
		return &syncerrors.SignatureError{Reason: "unexpected signature scheme"}
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, SignaturePrefix))
	if err != nil {
		return &syncerrors.SignatureError{Reason: "signature is not valid hex"}
	}
	mac := hmac.New(sha256.New, []byte(i.secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return &syncerrors.SignatureError{Reason: "digest mismatch"}
	}
	return nil
}

// pushPayload is the subset of the provider's push/pull_request payload the
// ingestor needs.
type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// dedupKey identifies a delivery. The provider's delivery id wins; without
// one, identical payloads hash to the same key so replays still collapse.
func dedupKey(d Delivery, repo string) string {
	if d.ID != "" {
		return d.ID
	}
	sum := sha256.Sum256([]byte(d.Event + "|" + repo + "|" + string(d.Body)))
	return hex.EncodeToString(sum[:])
}

// Ingest verifies, records and routes one delivery. A SignatureError return
// means the caller should answer 401 and nothing was recorded. Any other
// error reflects a processing failure after the event was accepted.
func (i *Ingestor) Ingest(ctx context.Context, d Delivery) (Result, error) {
	if err := i.VerifySignature(d.Body, d.Signature); err != nil {
		i.logger.Warn("Rejected webhook delivery", "delivery", d.ID, "event", d.Event, "error", err)
		return Result{}, err
	}

	var payload pushPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return Result{}, fmt.Errorf("decoding webhook payload: %w", err)
	}
	repo := payload.Repository.FullName
	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")

	key := dedupKey(d, repo)
	if prior, err := i.store.GetWebhookEventByDeliveryKey(ctx, key); err == nil {
		return i.replay(prior, d, repo)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return Result{}, fmt.Errorf("checking webhook dedup: %w", err)
	}

	event := &model.WebhookEvent{
		ID:             uuid.NewString(),
		DeliveryKey:    key,
		Type:           d.Event,
		RepoFullName:   repo,
		ReceivedAt:     time.Now().UTC(),
		Payload:        d.Body,
		SignatureValid: i.secret != "",
	}
	if err := i.store.InsertWebhookEvent(ctx, event); err != nil {
		// A unique violation means a concurrent identical delivery won the
		// insert between our dedup check and now; answer with its outcome.
		if errors.Is(err, store.ErrDuplicateKey) {
			prior, lookupErr := i.store.GetWebhookEventByDeliveryKey(ctx, key)
			if lookupErr != nil {
				return Result{}, fmt.Errorf("resolving duplicate webhook event: %w", lookupErr)
			}
			return i.replay(prior, d, repo)
		}
		return Result{}, fmt.Errorf("recording webhook event: %w", err)
	}

	result := Result{EventID: event.ID, Event: d.Event, Repo: repo, Branch: branch}
	logger := i.logger.With("event_id", event.ID, "event", d.Event, "repo", repo)

	switch d.Event {
	case "push":
		if payload.Ref != "" && !strings.HasPrefix(payload.Ref, "refs/heads/") {
			// Tag pushes arrive on the same hook; nothing to sync.
			result.Ignored = true
			i.sink.EventIgnored(ctx, d.Event, repo, "non-branch ref "+payload.Ref)
		} else {
			ops, err := i.dispatcher.HandleInboundPush(ctx, repo, branch)
			result.Operations = ops
			if err != nil {
				logger.Error("Inbound push fan-out failed", "error", err)
				i.markProcessed(ctx, logger, event.ID, result)
				return result, err
			}
			logger.Info("Routed inbound push", "branch", branch, "operations", len(ops))
		}
	case "pull_request", "create", "delete", "ping":
		result.Ignored = true
		i.sink.EventIgnored(ctx, d.Event, repo, "recorded for audit only")
	default:
		result.Ignored = true
		i.sink.EventIgnored(ctx, d.Event, repo, "unhandled event type")
	}

	i.markProcessed(ctx, logger, event.ID, result)
	return result, nil
}

// replay answers a duplicate delivery with the first delivery's outcome.
func (i *Ingestor) replay(prior model.WebhookEvent, d Delivery, repo string) (Result, error) {
	i.logger.Info("Duplicate webhook delivery", "delivery_key", prior.DeliveryKey, "event", d.Event, "repo", repo)
	result := Result{EventID: prior.ID, Event: d.Event, Repo: repo, Duplicate: true}
	if len(prior.Result) > 0 {
		if err := json.Unmarshal(prior.Result, &result); err == nil {
			result.Duplicate = true
		}
	}
	return result, nil
}

func (i *Ingestor) markProcessed(ctx context.Context, logger *slog.Logger, eventID string, result Result) {
	raw, err := json.Marshal(result)
	if err != nil {
		logger.Error("Failed to encode webhook result", "error", err)
		return
	}
	// Survives caller cancellation: a processed event must never be replayable
	// as new.
	if err := i.store.MarkWebhookEventProcessed(context.WithoutCancel(ctx), eventID, raw); err != nil {
		logger.Error("Failed to mark webhook event processed", "error", err)
	}
}
