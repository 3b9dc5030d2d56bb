// internal/api/handler_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-repo-sync/internal/engine"
	syncerrors "sandbox-repo-sync/internal/errors"
	"sandbox-repo-sync/internal/model"
	"sandbox-repo-sync/internal/orchestrator"
	"sandbox-repo-sync/internal/webhook"
)

type fakeSyncer struct {
	pushOp      model.SyncOperation
	pullOp      model.SyncOperation
	pushErr     error
	pullErr     error
	statusErr   error
	lastPushOpt engine.PushOptions
	lastPullOpt engine.PullOptions
	credentials map[string]string

	deactivated   []string
	deactivateErr error
}

func (f *fakeSyncer) ProvisionRepository(_ context.Context, req orchestrator.ProvisionRequest) (model.SyncTarget, error) {
	return model.SyncTarget{ID: "tgt-1", WorkspaceID: req.WorkspaceID}, nil
}

func (f *fakeSyncer) StoreCredential(_ context.Context, workspaceID, token, _, _ string) error {
	if f.credentials == nil {
		f.credentials = make(map[string]string)
	}
	f.credentials[workspaceID] = token
	return nil
}

func (f *fakeSyncer) SyncToRemote(_ context.Context, _ string, opts engine.PushOptions) (model.SyncOperation, error) {
	f.lastPushOpt = opts
	return f.pushOp, f.pushErr
}

func (f *fakeSyncer) SyncFromRemote(_ context.Context, _ string, opts engine.PullOptions) (model.SyncOperation, error) {
	f.lastPullOpt = opts
	return f.pullOp, f.pullErr
}

func (f *fakeSyncer) DeactivateTarget(_ context.Context, targetID string) error {
	f.deactivated = append(f.deactivated, targetID)
	return f.deactivateErr
}

func (f *fakeSyncer) Status(context.Context, string) (orchestrator.TargetStatus, error) {
	if f.statusErr != nil {
		return orchestrator.TargetStatus{}, f.statusErr
	}
	return orchestrator.TargetStatus{Target: model.SyncTarget{ID: "tgt-1"}}, nil
}

func (f *fakeSyncer) ListOperations(context.Context, string, string, int) ([]model.SyncOperation, error) {
	return []model.SyncOperation{{ID: "op-1"}}, nil
}

func (f *fakeSyncer) ListEvents(context.Context, string, string, int) ([]model.WebhookEvent, error) {
	return nil, nil
}

type fakeIngestor struct {
	result webhook.Result
	err    error
	last   webhook.Delivery
}

func (f *fakeIngestor) Ingest(_ context.Context, d webhook.Delivery) (webhook.Result, error) {
	f.last = d
	return f.result, f.err
}

func newTestServer(syncer *fakeSyncer, ingestor *fakeIngestor) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httptest.NewServer(NewRouter(syncer, ingestor, logger))
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(&fakeSyncer{}, &fakeIngestor{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookPassesHeadersThrough(t *testing.T) {
	ingestor := &fakeIngestor{result: webhook.Result{EventID: "ev-1", Event: "push"}}
	srv := newTestServer(&fakeSyncer{}, ingestor)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook", bytes.NewBufferString(`{"ref":"refs/heads/main"}`))
	require.NoError(t, err)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=abc")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "d-1", ingestor.last.ID)
	assert.Equal(t, "push", ingestor.last.Event)
	assert.Equal(t, "sha256=abc", ingestor.last.Signature)

	var result webhook.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "ev-1", result.EventID)
}

func TestWebhookBadSignatureIs401(t *testing.T) {
	ingestor := &fakeIngestor{err: &syncerrors.SignatureError{Reason: "digest mismatch"}}
	srv := newTestServer(&fakeSyncer{}, ingestor)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPushTargetReturnsOperation(t *testing.T) {
	syncer := &fakeSyncer{pushOp: model.SyncOperation{ID: "op-1", Status: model.StatusCompleted}}
	srv := newTestServer(syncer, &fakeIngestor{})
	defer srv.Close()

	body := `{"message":"wip","exclude_patterns":["*.log"]}`
	resp, err := http.Post(srv.URL+"/v1/targets/tgt-1/push", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "wip", syncer.lastPushOpt.Message)
	assert.Equal(t, []string{"*.log"}, syncer.lastPushOpt.ExcludePatterns)
}

func TestPushTargetEmptyBodyAllowed(t *testing.T) {
	syncer := &fakeSyncer{pushOp: model.SyncOperation{Status: model.StatusCompleted}}
	srv := newTestServer(syncer, &fakeIngestor{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/targets/tgt-1/push", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPushConflictMapsTo409(t *testing.T) {
	syncer := &fakeSyncer{pushOp: model.SyncOperation{Status: model.StatusConflict}}
	srv := newTestServer(syncer, &fakeIngestor{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/targets/tgt-1/push", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPushFailedMapsTo422(t *testing.T) {
	syncer := &fakeSyncer{pushOp: model.SyncOperation{
		Status: model.StatusFailed,
		Errors: []string{"remote has diverged, pull first"},
	}}
	srv := newTestServer(syncer, &fakeIngestor{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/targets/tgt-1/push", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var op model.SyncOperation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&op))
	require.NotEmpty(t, op.Errors)
	assert.Contains(t, op.Errors[0], "pull first")
}

func TestPushUnknownTargetIs404(t *testing.T) {
	syncer := &fakeSyncer{pushErr: pgx.ErrNoRows}
	srv := newTestServer(syncer, &fakeIngestor{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/targets/nope/push", "application/json", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPullRejectsUnknownStrategy(t *testing.T) {
	srv := newTestServer(&fakeSyncer{}, &fakeIngestor{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/targets/tgt-1/pull", "application/json",
		bytes.NewBufferString(`{"strategy":"theirs"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPullPassesStrategyThrough(t *testing.T) {
	syncer := &fakeSyncer{pullOp: model.SyncOperation{Status: model.StatusCompleted}}
	srv := newTestServer(syncer, &fakeIngestor{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/targets/tgt-1/pull", "application/json",
		bytes.NewBufferString(`{"strategy":"rebase","backup_local":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, model.StrategyRebase, syncer.lastPullOpt.Strategy)
	assert.True(t, syncer.lastPullOpt.BackupLocal)
}

func TestTargetStatusNotFound(t *testing.T) {
	syncer := &fakeSyncer{statusErr: pgx.ErrNoRows}
	srv := newTestServer(syncer, &fakeIngestor{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/targets/nope/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListOperationsValidatesLimit(t *testing.T) {
	srv := newTestServer(&fakeSyncer{}, &fakeIngestor{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/repos/acme/demo/operations?limit=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPutCredentialRequiresToken(t *testing.T) {
	srv := newTestServer(&fakeSyncer{}, &fakeIngestor{})
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/credentials/ws-1", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPutCredentialStoresToken(t *testing.T) {
	syncer := &fakeSyncer{}
	srv := newTestServer(syncer, &fakeIngestor{})
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/credentials/ws-1",
		bytes.NewBufferString(`{"token":"ghp_x","username":"dev","email":"dev@acme.io"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "ghp_x", syncer.credentials["ws-1"])
}

func TestDeactivateTarget(t *testing.T) {
	syncer := &fakeSyncer{}
	srv := newTestServer(syncer, &fakeIngestor{})
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/targets/tgt-1", http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"tgt-1"}, syncer.deactivated)
}

func TestDeactivateUnknownTargetIs404(t *testing.T) {
	syncer := &fakeSyncer{deactivateErr: pgx.ErrNoRows}
	srv := newTestServer(syncer, &fakeIngestor{})
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/targets/nope", http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProvisionValidatesRequiredFields(t *testing.T) {
	srv := newTestServer(&fakeSyncer{}, &fakeIngestor{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/targets", "application/json",
		bytes.NewBufferString(`{"workspace_id":"ws-1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
