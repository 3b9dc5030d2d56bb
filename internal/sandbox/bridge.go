// internal/sandbox/bridge.go
package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	syncerrors "sandbox-repo-sync/internal/errors"
)

// GitBridge layers git operations on top of a CommandRunner. Every call that
// needs authentication builds a short-lived `-c http.extraHeader` argument
// for that one process invocation; tokens are never written to the sandbox's
// git config and appear redacted in logs.
type GitBridge struct {
	runner CommandRunner
	logger *slog.Logger
}

// NewGitBridge wires a bridge to a sandbox provider.
func NewGitBridge(runner CommandRunner, logger *slog.Logger) *GitBridge {
	return &GitBridge{runner: runner, logger: logger}
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// it survives the sandbox shell unmodified.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// authConfig builds the per-invocation auth header argument. GitHub expects
// basic auth with the x-access-token username.
func authConfig(token string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
	return fmt.Sprintf("http.extraHeader=%s", shellQuote("AUTHORIZATION: basic "+encoded))
}

// git runs one git command in the sandbox. secret, when non-empty, is
// scrubbed from the logged command line in both its raw form and the encoded
// auth header form it rides in on the wire.
func (b *GitBridge) git(ctx context.Context, sandboxID, dir string, secret string, args ...string) (ExecResult, error) {
	cmd := "git " + strings.Join(args, " ")

	logCmd := cmd
	if secret != "" {
		logCmd = strings.ReplaceAll(logCmd, secret, "****")
		encoded := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + secret))
		logCmd = strings.ReplaceAll(logCmd, encoded, "****")
	}

	start := time.Now()
	res, err := b.runner.Exec(ctx, ExecRequest{SandboxID: sandboxID, Dir: dir, Command: cmd})
	b.logger.Debug("Executed git command",
		"sandbox", sandboxID, "cmd", logCmd,
		"exit_code", res.ExitCode, "duration", time.Since(start).String(), "error", err)
	return res, err
}

func gitError(op string, res ExecResult) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return fmt.Errorf("git %s failed (exit %d): %s", op, res.ExitCode, msg)
}

// EnsureGit verifies git exists in the sandbox, installing it via the image's
// package manager if missing.
func (b *GitBridge) EnsureGit(ctx context.Context, sandboxID string) error {
	res, err := b.runner.Exec(ctx, ExecRequest{
		SandboxID: sandboxID,
		Command:   "command -v git >/dev/null 2>&1 || (apt-get update -qq && apt-get install -y -qq git) || apk add --no-cache git",
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return gitError("install", res)
	}
	return nil
}

// ConfigureIdentity sets the commit author for the clone in dir.
func (b *GitBridge) ConfigureIdentity(ctx context.Context, sandboxID, dir, name, email string) error {
	for _, kv := range [][2]string{{"user.name", name}, {"user.email", email}} {
		res, err := b.git(ctx, sandboxID, dir, "", "config", kv[0], shellQuote(kv[1]))
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return gitError("config", res)
		}
	}
	return nil
}

// Clone clones url into dir. The token rides on a one-shot extra header, so
// the persisted remote URL stays token-free and nothing secret lands in the
// sandbox's git config.
func (b *GitBridge) Clone(ctx context.Context, sandboxID, cloneURL, dir, branch, token string) error {
	args := []string{"-c", authConfig(token), "clone"}
	if branch != "" {
		args = append(args, "--branch", shellQuote(branch))
	}
	args = append(args, shellQuote(cloneURL), shellQuote(dir))
	res, err := b.git(ctx, sandboxID, "", token, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return gitError("clone", res)
	}
	return nil
}

// Status returns raw `git status --porcelain` output for dir.
func (b *GitBridge) Status(ctx context.Context, sandboxID, dir string) (string, error) {
	res, err := b.git(ctx, sandboxID, dir, "", "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", gitError("status", res)
	}
	return res.Stdout, nil
}

// DiffNameStatus returns raw `git diff --name-status` output between HEAD and
// ref.
func (b *GitBridge) DiffNameStatus(ctx context.Context, sandboxID, dir, ref string) (string, error) {
	res, err := b.git(ctx, sandboxID, dir, "", "diff", "--name-status", "HEAD.."+shellQuote(ref))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", gitError("diff", res)
	}
	return res.Stdout, nil
}

// AddAll stages every change in dir.
func (b *GitBridge) AddAll(ctx context.Context, sandboxID, dir string) error {
	res, err := b.git(ctx, sandboxID, dir, "", "add", "-A")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return gitError("add", res)
	}
	return nil
}

// Add stages the given paths only.
func (b *GitBridge) Add(ctx context.Context, sandboxID, dir string, paths []string) error {
	args := []string{"add", "--"}
	for _, p := range paths {
		args = append(args, shellQuote(p))
	}
	res, err := b.git(ctx, sandboxID, dir, "", args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return gitError("add", res)
	}
	return nil
}

// Commit records staged changes. "nothing to commit" is not an error; the
// caller already decided the change set is non-empty, and a race with an
// empty index should not fail the operation.
func (b *GitBridge) Commit(ctx context.Context, sandboxID, dir, message string) error {
	res, err := b.git(ctx, sandboxID, dir, "", "commit", "-m", shellQuote(message))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stdout, "nothing to commit") || strings.Contains(res.Stderr, "nothing to commit") {
			return nil
		}
		return gitError("commit", res)
	}
	return nil
}

// Push pushes HEAD to the named branch. A rejected non-fast-forward push is
// surfaced as a typed error so callers can tell the user to pull first.
func (b *GitBridge) Push(ctx context.Context, sandboxID, dir, branch, token string) error {
	res, err := b.git(ctx, sandboxID, dir, token,
		"-c", authConfig(token), "push", "origin", "HEAD:"+shellQuote(branch))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		combined := res.Stdout + res.Stderr
		if strings.Contains(combined, "non-fast-forward") || strings.Contains(combined, "fetch first") {
			return &syncerrors.ProviderError{Kind: syncerrors.KindNonFastForward, Op: "push", Err: syncerrors.ErrDivergedRemote}
		}
		return gitError("push", res)
	}
	return nil
}

// Fetch updates origin/<branch> without touching the working tree.
func (b *GitBridge) Fetch(ctx context.Context, sandboxID, dir, branch, token string) error {
	res, err := b.git(ctx, sandboxID, dir, token,
		"-c", authConfig(token), "fetch", "origin", shellQuote(branch))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return gitError("fetch", res)
	}
	return nil
}

// Merge merges ref into the current branch. Returns conflicted=true when the
// merge stopped on content conflicts; the caller collects the paths and must
// abort before returning.
func (b *GitBridge) Merge(ctx context.Context, sandboxID, dir, ref string) (conflicted bool, err error) {
	res, err := b.git(ctx, sandboxID, dir, "", "merge", "--no-edit", shellQuote(ref))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stdout, "CONFLICT") || strings.Contains(res.Stderr, "CONFLICT") ||
			strings.Contains(res.Stdout+res.Stderr, "Automatic merge failed") {
			return true, nil
		}
		return false, gitError("merge", res)
	}
	return false, nil
}

// MergeAbort restores the pre-merge state.
func (b *GitBridge) MergeAbort(ctx context.Context, sandboxID, dir string) error {
	res, err := b.git(ctx, sandboxID, dir, "", "merge", "--abort")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return gitError("merge --abort", res)
	}
	return nil
}

// Rebase rebases the current branch onto ref. Returns conflicted=true when
// the rebase stopped on conflicts.
func (b *GitBridge) Rebase(ctx context.Context, sandboxID, dir, ref string) (conflicted bool, err error) {
	res, err := b.git(ctx, sandboxID, dir, "", "rebase", shellQuote(ref))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		combined := res.Stdout + res.Stderr
		if strings.Contains(combined, "CONFLICT") || strings.Contains(combined, "could not apply") {
			return true, nil
		}
		return false, gitError("rebase", res)
	}
	return false, nil
}

// RebaseAbort restores the pre-rebase state.
func (b *GitBridge) RebaseAbort(ctx context.Context, sandboxID, dir string) error {
	res, err := b.git(ctx, sandboxID, dir, "", "rebase", "--abort")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return gitError("rebase --abort", res)
	}
	return nil
}

// ResetHard discards local divergence and moves the branch to ref. Data-loss
// path; callers gate it behind explicit opt-in.
func (b *GitBridge) ResetHard(ctx context.Context, sandboxID, dir, ref string) error {
	res, err := b.git(ctx, sandboxID, dir, "", "reset", "--hard", shellQuote(ref))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return gitError("reset", res)
	}
	return nil
}

// CreateBranch creates a local branch at the current HEAD (used for
// pre-reset backups).
func (b *GitBridge) CreateBranch(ctx context.Context, sandboxID, dir, name string) error {
	res, err := b.git(ctx, sandboxID, dir, "", "branch", shellQuote(name))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return gitError("branch", res)
	}
	return nil
}

// ConflictingPaths lists paths left unmerged by a stopped merge or rebase.
func (b *GitBridge) ConflictingPaths(ctx context.Context, sandboxID, dir string) ([]string, error) {
	res, err := b.git(ctx, sandboxID, dir, "", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, gitError("diff --diff-filter=U", res)
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// RevParseHead returns the current HEAD commit SHA.
func (b *GitBridge) RevParseHead(ctx context.Context, sandboxID, dir string) (string, error) {
	res, err := b.git(ctx, sandboxID, dir, "", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", gitError("rev-parse", res)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Log returns the latest n one-line log entries.
func (b *GitBridge) Log(ctx context.Context, sandboxID, dir string, n int) (string, error) {
	res, err := b.git(ctx, sandboxID, dir, "", "log", "--oneline", fmt.Sprintf("-n%d", n))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", gitError("log", res)
	}
	return res.Stdout, nil
}

// ReadFile reads a text file from the sandbox, relative paths resolved
// against dir.
func (b *GitBridge) ReadFile(ctx context.Context, sandboxID, dir, path string) (string, error) {
	full := path
	if !strings.HasPrefix(path, "/") && dir != "" {
		full = strings.TrimSuffix(dir, "/") + "/" + path
	}
	return b.runner.ReadFile(ctx, sandboxID, full)
}

// WriteFile writes a text file into the sandbox, relative paths resolved
// against dir.
func (b *GitBridge) WriteFile(ctx context.Context, sandboxID, dir, path, content string) error {
	full := path
	if !strings.HasPrefix(path, "/") && dir != "" {
		full = strings.TrimSuffix(dir, "/") + "/" + path
	}
	return b.runner.WriteFile(ctx, sandboxID, full, content)
}
