// internal/changeset/changeset.go

// Package changeset turns raw `git status --porcelain` and
// `git diff --name-status` output into typed file-change lists and produces
// the commit-summary text used for auto-generated commit messages.
package changeset

import (
	"fmt"
	"log/slog"
	"strings"

	"sandbox-repo-sync/internal/model"
)

// DefaultCommitMessage is used when a change set is empty but a message is
// still needed. Callers are expected to skip committing on an empty set; this
// is the fallback for the rare path where they do not.
const DefaultCommitMessage = "Update project files"

// ParseStatus parses `git status --porcelain` output. Prefix mapping:
// A/? → add, M → modify, D → delete, R → the new path is treated as an add.
// Unrecognized prefixes are logged as a warning and skipped, never silently
// dropped.
func ParseStatus(out string, logger *slog.Logger) []model.FileChange {
	var changes []model.FileChange
	for _, line := range strings.Split(out, "\n") {
		if len(strings.TrimSpace(line)) == 0 {
			continue
		}
		if len(line) < 4 {
			logger.Warn("Skipping malformed status line", "line", line)
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		// Renames come through as "R  old -> new"; the new path is what
		// exists in the tree now.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		action, ok := classifyStatusCode(code)
		if !ok {
			logger.Warn("Unrecognized git status prefix", "code", code, "path", path)
			continue
		}
		changes = append(changes, model.FileChange{Path: path, Action: action})
	}
	return changes
}

func classifyStatusCode(code string) (model.ChangeAction, bool) {
	switch {
	case code == "??" || strings.Contains(code, "A"):
		return model.ActionAdd, true
	case strings.Contains(code, "R"):
		return model.ActionAdd, true
	case strings.Contains(code, "D"):
		return model.ActionDelete, true
	case strings.Contains(code, "M"):
		return model.ActionModify, true
	default:
		return "", false
	}
}

// ParseDiffNameStatus parses `git diff --name-status` output, one
// tab-separated "X\tpath" entry per line.
func ParseDiffNameStatus(out string, logger *slog.Logger) []model.FileChange {
	var changes []model.FileChange
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			logger.Warn("Skipping malformed name-status line", "line", line)
			continue
		}
		status, path := fields[0], fields[len(fields)-1]
		var action model.ChangeAction
		switch {
		case strings.HasPrefix(status, "A"):
			action = model.ActionAdd
		case strings.HasPrefix(status, "M"):
			action = model.ActionModify
		case strings.HasPrefix(status, "D"):
			action = model.ActionDelete
		case strings.HasPrefix(status, "R"), strings.HasPrefix(status, "C"):
			// Rename/copy: the destination path is new content.
			action = model.ActionAdd
		default:
			logger.Warn("Unrecognized name-status prefix", "status", status, "path", path)
			continue
		}
		changes = append(changes, model.FileChange{Path: path, Action: action})
	}
	return changes
}

// Count tallies a change list into a summary.
func Count(changes []model.FileChange) model.ChangeSummary {
	var s model.ChangeSummary
	for _, c := range changes {
		switch c.Action {
		case model.ActionAdd:
			s.FilesAdded++
		case model.ActionModify:
			s.FilesModified++
		case model.ActionDelete:
			s.FilesDeleted++
		}
	}
	return s
}

// Summarize produces a human-readable commit message of the form
// "Add N files, Update M files, Remove K files", omitting zero counts.
// An empty change set yields DefaultCommitMessage.
func Summarize(changes []model.FileChange) string {
	s := Count(changes)
	var parts []string
	if s.FilesAdded > 0 {
		parts = append(parts, fmt.Sprintf("Add %d %s", s.FilesAdded, pluralFiles(s.FilesAdded)))
	}
	if s.FilesModified > 0 {
		parts = append(parts, fmt.Sprintf("Update %d %s", s.FilesModified, pluralFiles(s.FilesModified)))
	}
	if s.FilesDeleted > 0 {
		parts = append(parts, fmt.Sprintf("Remove %d %s", s.FilesDeleted, pluralFiles(s.FilesDeleted)))
	}
	if len(parts) == 0 {
		return DefaultCommitMessage
	}
	return strings.Join(parts, ", ")
}

func pluralFiles(n int) string {
	if n == 1 {
		return "file"
	}
	return "files"
}
