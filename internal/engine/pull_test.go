// internal/engine/pull_test.go
package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-repo-sync/internal/model"
	"sandbox-repo-sync/internal/sandbox"
)

func TestPullUpToDateCompletesWithoutMerging(t *testing.T) {
	f := newFixture(t)
	engine := NewPullEngine(f.config)

	op, err := engine.Pull(context.Background(), f.target, PullOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.Nil(t, op.Commit)
	assert.Zero(t, op.Summary.FilesModified)
	assert.True(t, f.runner.ran("fetch origin"))
	assert.False(t, f.runner.ran("merge"))
}

func TestPullMergesRemoteChanges(t *testing.T) {
	f := newFixture(t)
	f.runner.on("diff --name-status", sandbox.ExecResult{Stdout: "M\tmain.go\nA\tREADME.md\n"})
	f.runner.on("rev-parse HEAD", sandbox.ExecResult{Stdout: "merged-sha\n"})

	engine := NewPullEngine(f.config)
	op, err := engine.Pull(context.Background(), f.target, PullOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, op.Status)
	require.NotNil(t, op.Commit)
	assert.Equal(t, "merged-sha", op.Commit.SHA)
	assert.Equal(t, 1, op.Summary.FilesAdded)
	assert.Equal(t, 1, op.Summary.FilesModified)
	assert.True(t, f.runner.ran("merge --no-edit 'origin/main'"))
}

func TestPullMergeConflictRollsBackAndReportsPaths(t *testing.T) {
	f := newFixture(t)
	f.runner.on("diff --name-status", sandbox.ExecResult{Stdout: "M\tmain.go\n"})
	f.runner.on("merge --no-edit", sandbox.ExecResult{
		ExitCode: 1,
		Stdout:   "CONFLICT (content): Merge conflict in main.go\nAutomatic merge failed; fix conflicts and then commit the result.\n",
	})
	f.runner.on("--diff-filter=U", sandbox.ExecResult{Stdout: "main.go\n"})

	engine := NewPullEngine(f.config)
	op, err := engine.Pull(context.Background(), f.target, PullOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.StatusConflict, op.Status)
	require.Len(t, op.Conflicts, 1)
	assert.Equal(t, "main.go", op.Conflicts[0].Path)
	assert.Equal(t, 1, op.Summary.Conflicts)
	assert.Nil(t, op.Commit)

	// The working tree never stays half-merged.
	assert.True(t, f.runner.ran("merge --abort"))
}

func TestPullMergeFailureIsNotAConflict(t *testing.T) {
	f := newFixture(t)
	f.runner.on("diff --name-status", sandbox.ExecResult{Stdout: "M\tmain.go\n"})
	f.runner.on("merge --no-edit", sandbox.ExecResult{
		ExitCode: 128,
		Stderr:   "fatal: refusing to merge unrelated histories",
	})

	engine := NewPullEngine(f.config)
	op, err := engine.Pull(context.Background(), f.target, PullOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, op.Status)
	require.NotEmpty(t, op.Errors)
	assert.Contains(t, op.Errors[0], "unrelated histories")
	assert.True(t, f.runner.ran("merge --abort"))
}

func TestPullRebaseConflictRollsBack(t *testing.T) {
	f := newFixture(t)
	f.runner.on("diff --name-status", sandbox.ExecResult{Stdout: "M\tapp.go\n"})
	f.runner.on("rebase 'origin/main'", sandbox.ExecResult{
		ExitCode: 1,
		Stdout:   "CONFLICT (content): Merge conflict in app.go\nerror: could not apply abc123\n",
	})
	f.runner.on("--diff-filter=U", sandbox.ExecResult{Stdout: "app.go\n"})

	engine := NewPullEngine(f.config)
	op, err := engine.Pull(context.Background(), f.target, PullOptions{Strategy: model.StrategyRebase})
	require.NoError(t, err)

	assert.Equal(t, model.StatusConflict, op.Status)
	require.Len(t, op.Conflicts, 1)
	assert.Equal(t, "app.go", op.Conflicts[0].Path)
	assert.True(t, f.runner.ran("rebase --abort"))
}

func TestPullResetStrategyDiscardsLocalState(t *testing.T) {
	f := newFixture(t)
	f.runner.on("diff --name-status", sandbox.ExecResult{Stdout: "M\tmain.go\n"})
	f.runner.on("rev-parse HEAD", sandbox.ExecResult{Stdout: "remote-sha\n"})

	engine := NewPullEngine(f.config)
	op, err := engine.Pull(context.Background(), f.target, PullOptions{Strategy: model.StrategyReset})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, op.Status)
	require.NotNil(t, op.Commit)
	assert.Equal(t, "remote-sha", op.Commit.SHA)
	assert.True(t, f.runner.ran("reset --hard 'origin/main'"))
	assert.False(t, f.runner.ran("merge"))
}

func TestPullBackupBranchCreatedBeforeMutation(t *testing.T) {
	f := newFixture(t)
	f.runner.on("diff --name-status", sandbox.ExecResult{Stdout: "M\tmain.go\n"})
	f.runner.on("rev-parse HEAD", sandbox.ExecResult{Stdout: "sha\n"})

	engine := NewPullEngine(f.config)
	op, err := engine.Pull(context.Background(), f.target, PullOptions{
		Strategy:    model.StrategyReset,
		BackupLocal: true,
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.True(t, f.runner.ran("branch 'backup/"))

	// The backup must land before the tree is touched.
	backupIdx, resetIdx := -1, -1
	for i, cmd := range f.runner.commands {
		if backupIdx < 0 && strings.Contains(cmd, "branch 'backup/") {
			backupIdx = i
		}
		if resetIdx < 0 && strings.Contains(cmd, "reset --hard") {
			resetIdx = i
		}
	}
	require.GreaterOrEqual(t, backupIdx, 0)
	require.GreaterOrEqual(t, resetIdx, 0)
	assert.Less(t, backupIdx, resetIdx)
}

func TestPullConflictPersistsOperation(t *testing.T) {
	f := newFixture(t)
	f.runner.on("diff --name-status", sandbox.ExecResult{Stdout: "M\tmain.go\n"})
	f.runner.on("merge --no-edit", sandbox.ExecResult{
		ExitCode: 1,
		Stdout:   "CONFLICT (content): Merge conflict in main.go\n",
	})
	f.runner.on("--diff-filter=U", sandbox.ExecResult{Stdout: "main.go\n"})

	engine := NewPullEngine(f.config)
	op, err := engine.Pull(context.Background(), f.target, PullOptions{})
	require.NoError(t, err)

	stored, err := f.store.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConflict, stored.Status)
	require.Len(t, stored.Conflicts, 1)
	require.NotNil(t, stored.EndedAt)
}
