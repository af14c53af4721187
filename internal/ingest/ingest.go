// Package ingest discovers source images and builds the job catalog.
// Discovery order is deterministic (sorted walk over relative paths) so
// two runs over the same tree produce identical ordering indexes, which
// is what batch windows and crash resume depend on.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kozaktomas/facesift/internal/database"
)

// Scanner walks source trees and fills the catalog.
type Scanner struct {
	pool       *database.Pool
	extensions map[string]bool
}

// NewScanner builds a scanner accepting the given extensions (lowercase,
// with leading dot).
func NewScanner(pool *database.Pool, extensions map[string]bool) *Scanner {
	return &Scanner{pool: pool, extensions: extensions}
}

// Discover walks sourceRoot, filters by extension and optional explicit
// selection, and returns catalog rows in deterministic order with
// ordering_idx assigned. Hidden directories are skipped.
func (s *Scanner) Discover(sourceRoot string, selectedPaths []string) ([]database.Image, error) {
	info, err := os.Stat(sourceRoot)
	if err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", sourceRoot)
	}

	// Tracks which selected paths the walk actually yields; anything left
	// over afterwards was missing, filtered or hidden and must fail loudly
	// rather than be dropped from the job.
	remaining := make(map[string]bool, len(selectedPaths))
	for _, p := range selectedPaths {
		remaining[filepath.Clean(p)] = true
	}
	explicit := len(remaining) > 0

	var paths []string
	err = filepath.WalkDir(sourceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != sourceRoot {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !s.extensions[ext] {
			return nil
		}
		if explicit {
			clean := filepath.Clean(path)
			if !remaining[clean] {
				return nil
			}
			delete(remaining, clean)
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", sourceRoot, err)
	}

	if explicit && len(remaining) > 0 {
		missing := make([]string, 0, len(remaining))
		for p := range remaining {
			missing = append(missing, p)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("selected images not found under %s: %s",
			sourceRoot, strings.Join(missing, ", "))
	}

	// WalkDir visits in lexical order per directory, but sorting the
	// full relative paths pins the order across platforms.
	sort.Slice(paths, func(i, j int) bool {
		ri, _ := filepath.Rel(sourceRoot, paths[i])
		rj, _ := filepath.Rel(sourceRoot, paths[j])
		return ri < rj
	})

	images := make([]database.Image, 0, len(paths))
	for idx, path := range paths {
		images = append(images, database.Image{
			SourcePath:  path,
			Filename:    filepath.Base(path),
			Extension:   strings.ToLower(filepath.Ext(path)),
			OrderingIdx: idx,
		})
	}
	return images, nil
}

// Catalog creates a job, bulk-inserts the discovered images and slices
// them into batches. Returns the job id and the number of batches.
func (s *Scanner) Catalog(ctx context.Context, sourceRoot, outputRoot string, images []database.Image, batchSize int) (int64, int, error) {
	jobID, err := s.pool.CreateJob(ctx, sourceRoot, outputRoot)
	if err != nil {
		return 0, 0, err
	}

	if err := s.pool.AddImagesBatch(ctx, jobID, images); err != nil {
		return 0, 0, err
	}
	if err := s.pool.UpdateJobImageCounts(ctx, jobID, len(images), 0); err != nil {
		return 0, 0, err
	}

	batches, err := s.pool.CreateBatches(ctx, jobID, batchSize)
	if err != nil {
		return 0, 0, err
	}
	return jobID, batches, nil
}
