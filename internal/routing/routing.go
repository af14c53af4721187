// Package routing performs the commit fan-out: one staged compressed
// artifact is duplicated into every matched person's output folder, or
// into the single group folder in group mode.
package routing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kozaktomas/facesift/internal/database"
	"github.com/kozaktomas/facesift/internal/storage"
)

// TargetOutcome reports what happened to one fan-out destination.
type TargetOutcome struct {
	PersonID   int64
	OutputPath string
	Copied     bool
	Err        error
}

// Status values recorded in the commit log.
const (
	StatusCopied  = "copied"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Router resolves fan-out destinations and copies staged artifacts.
type Router struct {
	pool       *database.Pool
	outputRoot string
}

// NewRouter builds a router writing under outputRoot.
func NewRouter(pool *database.Pool, outputRoot string) *Router {
	return &Router{pool: pool, outputRoot: outputRoot}
}

// FanOut copies the staged file to every target folder using the
// deterministic name. Existing destinations are skipped, so a replayed
// commit fills in only what is missing. A failure on one target does
// not abort the others. The staged file is removed afterwards; its
// absence is tolerated because a replay may run after cleanup.
func (r *Router) FanOut(ctx context.Context, staged string, name string, targets []Target) []TargetOutcome {
	outcomes := make([]TargetOutcome, 0, len(targets))
	for _, t := range targets {
		dst := filepath.Join(r.outputRoot, t.FolderRel, name)
		copied, err := storage.CopyIfMissing(staged, dst)
		outcomes = append(outcomes, TargetOutcome{
			PersonID:   t.PersonID,
			OutputPath: dst,
			Copied:     copied,
			Err:        err,
		})
	}

	// Leftover staging is cleaned with the batch directory later.
	_ = os.Remove(staged)
	return outcomes
}

// Target is one fan-out destination.
type Target struct {
	PersonID  int64
	FolderRel string
}

// ResolveTargets maps matched person ids to their output folders. In
// group mode the single group folder is the only target. Unknown ids
// produce an error because routing to a missing person would silently
// drop output.
func (r *Router) ResolveTargets(matchedIDs []int64, folders map[int64]string, groupMode bool, groupFolder string) ([]Target, error) {
	if groupMode {
		if groupFolder == "" {
			return nil, fmt.Errorf("group mode requires a group folder name")
		}
		return []Target{{FolderRel: storage.SanitizeFolderName(groupFolder)}}, nil
	}

	targets := make([]Target, 0, len(matchedIDs))
	for _, id := range matchedIDs {
		rel, ok := folders[id]
		if !ok {
			return nil, fmt.Errorf("no output folder for person %d", id)
		}
		targets = append(targets, Target{PersonID: id, FolderRel: rel})
	}
	return targets, nil
}

// LogOutcomes appends the per-target outcomes to the audit log. Logging
// failures do not fail the commit; the log is advisory.
func (r *Router) LogOutcomes(ctx context.Context, batchID, imageID int64, outcomes []TargetOutcome) {
	for _, o := range outcomes {
		status := StatusSkipped
		switch {
		case o.Err != nil:
			status = StatusFailed
		case o.Copied:
			status = StatusCopied
		}
		_ = r.pool.AppendCommitLog(ctx, &database.CommitLogEntry{
			BatchID:    batchID,
			ImageID:    imageID,
			PersonID:   o.PersonID,
			OutputPath: o.OutputPath,
			Status:     status,
		})
	}
}
