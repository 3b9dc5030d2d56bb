// internal/sandbox/runner.go

// Package sandbox issues git CLI commands against a remote sandbox's
// filesystem. The sandbox provider is abstracted behind CommandRunner: a
// process that runs shell commands and exposes a text-file read/write
// surface, which is all this engine needs from it.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	syncerrors "sandbox-repo-sync/internal/errors"
)

// ExecRequest describes one shell command to run inside a sandbox.
type ExecRequest struct {
	SandboxID string
	Dir       string
	Command   string
	Timeout   time.Duration
}

// ExecResult is the outcome of a completed command. A non-zero exit code is
// not an error at this layer; failing to run the command at all is.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandRunner is the narrow contract required from a sandbox provider.
type CommandRunner interface {
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)
	ReadFile(ctx context.Context, sandboxID, path string) (string, error)
	WriteFile(ctx context.Context, sandboxID, path, content string) error
}

// HTTPRunner talks to a sandbox provider's REST API (Daytona-style: exec a
// command in sandbox X, read/write a file at path P).
type HTTPRunner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPRunner builds a runner for the provider at baseURL.
func NewHTTPRunner(baseURL, apiKey string) *HTTPRunner {
	return &HTTPRunner{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type execPayload struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

type execResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Exec runs a shell command inside the sandbox and returns its outcome.
func (r *HTTPRunner) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	payload := execPayload{Command: req.Command, Cwd: req.Dir}
	if req.Timeout > 0 {
		payload.Timeout = int(req.Timeout.Seconds())
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ExecResult{}, err
	}

	endpoint := fmt.Sprintf("%s/sandboxes/%s/process/exec", r.baseURL, url.PathEscape(req.SandboxID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ExecResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return ExecResult{}, &syncerrors.SandboxError{SandboxID: req.SandboxID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return ExecResult{}, &syncerrors.SandboxError{
			SandboxID: req.SandboxID,
			Err:       fmt.Errorf("exec returned %s: %s", resp.Status, string(respBody)),
		}
	}

	var out execResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExecResult{}, &syncerrors.SandboxError{SandboxID: req.SandboxID, Err: err}
	}
	return ExecResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

// ReadFile fetches a text file from the sandbox filesystem.
func (r *HTTPRunner) ReadFile(ctx context.Context, sandboxID, path string) (string, error) {
	endpoint := fmt.Sprintf("%s/sandboxes/%s/files/download?path=%s",
		r.baseURL, url.PathEscape(sandboxID), url.QueryEscape(path))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", &syncerrors.SandboxError{SandboxID: sandboxID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &syncerrors.SandboxError{
			SandboxID: sandboxID,
			Err:       fmt.Errorf("read %s returned %s: %s", path, resp.Status, string(respBody)),
		}
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &syncerrors.SandboxError{SandboxID: sandboxID, Err: err}
	}
	return string(content), nil
}

// WriteFile places a text file on the sandbox filesystem.
func (r *HTTPRunner) WriteFile(ctx context.Context, sandboxID, path, content string) error {
	endpoint := fmt.Sprintf("%s/sandboxes/%s/files/upload?path=%s",
		r.baseURL, url.PathEscape(sandboxID), url.QueryEscape(path))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(content)))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return &syncerrors.SandboxError{SandboxID: sandboxID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return &syncerrors.SandboxError{
			SandboxID: sandboxID,
			Err:       fmt.Errorf("write %s returned %s: %s", path, resp.Status, string(respBody)),
		}
	}
	return nil
}
