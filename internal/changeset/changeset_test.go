// internal/changeset/changeset_test.go
package changeset

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"sandbox-repo-sync/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseStatus(t *testing.T) {
	logger := discardLogger()

	t.Run("classifies porcelain prefixes", func(t *testing.T) {
		out := "?? app.ts\nA  lib/util.ts\n M README.md\n D old.txt\n"
		changes := ParseStatus(out, logger)

		assert.Equal(t, []model.FileChange{
			{Path: "app.ts", Action: model.ActionAdd},
			{Path: "lib/util.ts", Action: model.ActionAdd},
			{Path: "README.md", Action: model.ActionModify},
			{Path: "old.txt", Action: model.ActionDelete},
		}, changes)
	})

	t.Run("rename maps to the new path", func(t *testing.T) {
		changes := ParseStatus("R  old.go -> new.go\n", logger)
		assert.Equal(t, []model.FileChange{{Path: "new.go", Action: model.ActionAdd}}, changes)
	})

	t.Run("unrecognized prefix is skipped", func(t *testing.T) {
		changes := ParseStatus("X  weird.txt\n M ok.txt\n", logger)
		assert.Equal(t, []model.FileChange{{Path: "ok.txt", Action: model.ActionModify}}, changes)
	})

	t.Run("empty output yields no changes", func(t *testing.T) {
		assert.Empty(t, ParseStatus("", logger))
		assert.Empty(t, ParseStatus("\n\n", logger))
	})
}

func TestParseDiffNameStatus(t *testing.T) {
	logger := discardLogger()

	out := "A\tapp.ts\nM\tREADME.md\nD\tdropped.md\nR100\told.go\tnew.go\n"
	changes := ParseDiffNameStatus(out, logger)

	assert.Equal(t, []model.FileChange{
		{Path: "app.ts", Action: model.ActionAdd},
		{Path: "README.md", Action: model.ActionModify},
		{Path: "dropped.md", Action: model.ActionDelete},
		{Path: "new.go", Action: model.ActionAdd},
	}, changes)
}

func TestSummarize(t *testing.T) {
	t.Run("full summary", func(t *testing.T) {
		changes := []model.FileChange{
			{Path: "a", Action: model.ActionAdd},
			{Path: "b", Action: model.ActionAdd},
			{Path: "c", Action: model.ActionModify},
			{Path: "d", Action: model.ActionDelete},
		}
		assert.Equal(t, "Add 2 files, Update 1 file, Remove 1 file", Summarize(changes))
	})

	t.Run("empty set falls back to default message", func(t *testing.T) {
		assert.Equal(t, DefaultCommitMessage, Summarize(nil))
	})

	t.Run("only additions", func(t *testing.T) {
		changes := []model.FileChange{{Path: "a", Action: model.ActionAdd}}
		assert.Equal(t, "Add 1 file", Summarize(changes))
	})
}

func TestCount(t *testing.T) {
	changes := []model.FileChange{
		{Path: "a", Action: model.ActionAdd},
		{Path: "b", Action: model.ActionModify},
		{Path: "c", Action: model.ActionModify},
		{Path: "d", Action: model.ActionDelete},
	}
	s := Count(changes)
	assert.Equal(t, model.ChangeSummary{FilesAdded: 1, FilesModified: 2, FilesDeleted: 1}, s)
}
