package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// GetJobConfig returns the singleton operator configuration.
func (p *Pool) GetJobConfig(ctx context.Context) (*JobConfig, error) {
	var (
		sourceRoot, outputRoot, selectedIDs, selectedPaths, groupFolder sql.NullString
		groupMode                                                      bool
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT source_root, output_root, selected_person_ids,
		       selected_image_paths, group_mode, group_folder_name
		FROM job_config WHERE config_id = 1`).
		Scan(&sourceRoot, &outputRoot, &selectedIDs, &selectedPaths, &groupMode, &groupFolder)
	if err != nil {
		return nil, fmt.Errorf("query job config: %w", err)
	}

	cfg := &JobConfig{
		SourceRoot:      sourceRoot.String,
		OutputRoot:      outputRoot.String,
		GroupMode:       groupMode,
		GroupFolderName: groupFolder.String,
	}
	if selectedIDs.Valid && selectedIDs.String != "" {
		if err := json.Unmarshal([]byte(selectedIDs.String), &cfg.SelectedPersonIDs); err != nil {
			cfg.SelectedPersonIDs = nil
		}
	}
	if selectedPaths.Valid && selectedPaths.String != "" {
		if err := json.Unmarshal([]byte(selectedPaths.String), &cfg.SelectedImagePaths); err != nil {
			cfg.SelectedImagePaths = nil
		}
	}
	return cfg, nil
}

// SaveJobConfig persists the singleton operator configuration.
func (p *Pool) SaveJobConfig(ctx context.Context, cfg *JobConfig) error {
	var selectedIDs, selectedPaths any
	if len(cfg.SelectedPersonIDs) > 0 {
		b, err := json.Marshal(cfg.SelectedPersonIDs)
		if err != nil {
			return fmt.Errorf("encode selected persons: %w", err)
		}
		selectedIDs = string(b)
	}
	if len(cfg.SelectedImagePaths) > 0 {
		b, err := json.Marshal(cfg.SelectedImagePaths)
		if err != nil {
			return fmt.Errorf("encode selected images: %w", err)
		}
		selectedPaths = string(b)
	}

	_, err := p.db.ExecContext(ctx, `
		UPDATE job_config
		SET source_root = ?, output_root = ?, selected_person_ids = ?,
		    selected_image_paths = ?, group_mode = ?, group_folder_name = ?,
		    updated_at = ?
		WHERE config_id = 1`,
		cfg.SourceRoot, cfg.OutputRoot, selectedIDs, selectedPaths,
		cfg.GroupMode, nullIfEmpty(cfg.GroupFolderName), now())
	if err != nil {
		return fmt.Errorf("save job config: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetJobStatus returns the current job status string.
func (p *Pool) GetJobStatus(ctx context.Context) (string, error) {
	var status string
	err := p.db.QueryRowContext(ctx,
		"SELECT job_status FROM job_config WHERE config_id = 1").Scan(&status)
	if err != nil {
		return "", fmt.Errorf("query job status: %w", err)
	}
	if status == "" {
		status = JobStatusConfigured
	}
	return status, nil
}

// SetJobStatus updates the job status.
func (p *Pool) SetJobStatus(ctx context.Context, status string) error {
	if _, err := p.db.ExecContext(ctx,
		"UPDATE job_config SET job_status = ? WHERE config_id = 1", status); err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return nil
}

// CreateJob inserts a new job row and returns its id.
func (p *Pool) CreateJob(ctx context.Context, sourceRoot, outputRoot string) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		"INSERT INTO jobs (source_root, output_root) VALUES (?, ?)",
		sourceRoot, outputRoot)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job id: %w", err)
	}
	return id, nil
}

// UpdateJobImageCounts updates a job's total and processed image counts.
func (p *Pool) UpdateJobImageCounts(ctx context.Context, jobID int64, total, processed int) error {
	if _, err := p.db.ExecContext(ctx,
		"UPDATE jobs SET total_images = ?, processed_images = ? WHERE job_id = ?",
		total, processed, jobID); err != nil {
		return fmt.Errorf("update job counts: %w", err)
	}
	return nil
}

// AddImagesBatch bulk-inserts catalog rows, chunking into transactions of
// up to 1000 rows for throughput.
func (p *Pool) AddImagesBatch(ctx context.Context, jobID int64, images []Image) error {
	const chunkSize = 1000

	for start := 0; start < len(images); start += chunkSize {
		end := start + chunkSize
		if end > len(images) {
			end = len(images)
		}
		chunk := images[start:end]

		err := p.withTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO images (job_id, source_path, filename, extension, sha256, ordering_idx)
				VALUES (?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("prepare image insert: %w", err)
			}
			defer stmt.Close()

			for _, img := range chunk {
				if _, err := stmt.ExecContext(ctx, jobID, img.SourcePath, img.Filename,
					img.Extension, nullIfEmpty(img.SHA256), img.OrderingIdx); err != nil {
					return fmt.Errorf("insert image %s: %w", img.SourcePath, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ImageCount returns the number of catalogued images for a job.
func (p *Pool) ImageCount(ctx context.Context, jobID int64) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM images WHERE job_id = ?", jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return count, nil
}

// ImagesForBatch returns the batch's images in ordering_idx order.
func (p *Pool) ImagesForBatch(ctx context.Context, batchID int64) ([]Image, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT i.image_id, i.job_id, i.source_path, i.filename, i.extension,
		       COALESCE(i.sha256, ''), i.ordering_idx
		FROM images i
		INNER JOIN batches b ON i.job_id = b.job_id
		WHERE b.batch_id = ?
		  AND i.ordering_idx >= b.start_idx
		  AND i.ordering_idx <= b.end_idx
		ORDER BY i.ordering_idx`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.JobID, &img.SourcePath, &img.Filename,
			&img.Extension, &img.SHA256, &img.OrderingIdx); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return images, nil
}

// UpdateImageHash records an image's streaming hash once computed.
func (p *Pool) UpdateImageHash(ctx context.Context, imageID int64, sha256 string) error {
	if _, err := p.db.ExecContext(ctx,
		"UPDATE images SET sha256 = ? WHERE image_id = ?", sha256, imageID); err != nil {
		return fmt.Errorf("update image hash: %w", err)
	}
	return nil
}

// CreateBatches slices a job's ordering_idx range into fixed-size windows
// in one transaction. The final batch may be smaller. Returns the number
// of batches created.
func (p *Pool) CreateBatches(ctx context.Context, jobID int64, batchSize int) (int, error) {
	var maxIdx sql.NullInt64
	err := p.db.QueryRowContext(ctx,
		"SELECT MAX(ordering_idx) FROM images WHERE job_id = ?", jobID).Scan(&maxIdx)
	if err != nil {
		return 0, fmt.Errorf("query max ordering idx: %w", err)
	}
	if !maxIdx.Valid {
		return 0, nil
	}

	count := 0
	err = p.withTx(ctx, func(tx *sql.Tx) error {
		for start := int64(0); start <= maxIdx.Int64; start += int64(batchSize) {
			end := start + int64(batchSize) - 1
			if end > maxIdx.Int64 {
				end = maxIdx.Int64
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO batches (job_id, start_idx, end_idx) VALUES (?, ?, ?)",
				jobID, start, end); err != nil {
				return fmt.Errorf("insert batch [%d,%d]: %w", start, end, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// PendingBatches returns up to limit PENDING batches in batch_id order.
func (p *Pool) PendingBatches(ctx context.Context, limit int) ([]Batch, error) {
	return p.queryBatches(ctx, `
		SELECT batch_id, job_id, start_idx, end_idx, state
		FROM batches WHERE state = ? ORDER BY batch_id LIMIT ?`,
		string(BatchPending), limit)
}

// BatchesByState returns all batches in the given state, in batch_id order.
func (p *Pool) BatchesByState(ctx context.Context, state BatchState) ([]Batch, error) {
	return p.queryBatches(ctx, `
		SELECT batch_id, job_id, start_idx, end_idx, state
		FROM batches WHERE state = ? ORDER BY batch_id`, string(state))
}

func (p *Pool) queryBatches(ctx context.Context, query string, args ...any) ([]Batch, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.JobID, &b.StartIdx, &b.EndIdx, &b.State); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

// GetBatch returns a batch by id, or ErrNotFound.
func (p *Pool) GetBatch(ctx context.Context, batchID int64) (*Batch, error) {
	var b Batch
	err := p.db.QueryRowContext(ctx, `
		SELECT batch_id, job_id, start_idx, end_idx, state
		FROM batches WHERE batch_id = ?`, batchID).
		Scan(&b.ID, &b.JobID, &b.StartIdx, &b.EndIdx, &b.State)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query batch %d: %w", batchID, err)
	}
	return &b, nil
}

// UpdateBatchState moves a batch to a new state, stamping started_at on
// the transition into PROCESSING and committed_at on COMMITTED.
func (p *Pool) UpdateBatchState(ctx context.Context, batchID int64, state BatchState) error {
	var err error
	switch state {
	case BatchProcessing:
		_, err = p.db.ExecContext(ctx,
			"UPDATE batches SET state = ?, started_at = ? WHERE batch_id = ?",
			string(state), now(), batchID)
	case BatchCommitted:
		_, err = p.db.ExecContext(ctx,
			"UPDATE batches SET state = ?, committed_at = ? WHERE batch_id = ?",
			string(state), now(), batchID)
	default:
		_, err = p.db.ExecContext(ctx,
			"UPDATE batches SET state = ? WHERE batch_id = ?",
			string(state), batchID)
	}
	if err != nil {
		return fmt.Errorf("update batch %d state: %w", batchID, err)
	}
	return nil
}

// CommittedBatchCount returns how many of a job's batches are COMMITTED.
func (p *Pool) CommittedBatchCount(ctx context.Context, jobID int64) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM batches WHERE job_id = ? AND state = ?",
		jobID, string(BatchCommitted)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count committed batches: %w", err)
	}
	return count, nil
}

// SaveImageResult upserts an image's analysis outcome keyed by image_id,
// so reprocessing after a crash overwrites rather than duplicates.
func (p *Pool) SaveImageResult(ctx context.Context, r *ImageResult) error {
	ids, err := json.Marshal(r.MatchedPersonIDs)
	if err != nil {
		return fmt.Errorf("encode matched ids: %w", err)
	}
	if r.MatchedPersonIDs == nil {
		ids = []byte("[]")
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO image_results
			(image_id, batch_id, face_count, matched_count, unknown_count, matched_person_ids, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(image_id) DO UPDATE SET
			batch_id = excluded.batch_id,
			face_count = excluded.face_count,
			matched_count = excluded.matched_count,
			unknown_count = excluded.unknown_count,
			matched_person_ids = excluded.matched_person_ids,
			processed_at = excluded.processed_at`,
		r.ImageID, r.BatchID, r.FaceCount, r.MatchedCount, r.UnknownCount,
		string(ids), now())
	if err != nil {
		return fmt.Errorf("save image result: %w", err)
	}
	return nil
}

// ImageResultsForBatch returns all image results for a batch joined with
// the source path, filename and hash needed by the commit phase.
func (p *Pool) ImageResultsForBatch(ctx context.Context, batchID int64) ([]ImageResult, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ir.image_id, ir.batch_id, ir.face_count, ir.matched_count,
		       ir.unknown_count, ir.matched_person_ids,
		       i.source_path, i.filename, COALESCE(i.sha256, '')
		FROM image_results ir
		INNER JOIN images i ON ir.image_id = i.image_id
		WHERE ir.batch_id = ?
		ORDER BY i.ordering_idx`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query image results: %w", err)
	}
	defer rows.Close()

	var results []ImageResult
	for rows.Next() {
		var r ImageResult
		var ids string
		if err := rows.Scan(&r.ImageID, &r.BatchID, &r.FaceCount, &r.MatchedCount,
			&r.UnknownCount, &ids, &r.SourcePath, &r.Filename, &r.SHA256); err != nil {
			return nil, fmt.Errorf("scan image result: %w", err)
		}
		if ids != "" {
			if err := json.Unmarshal([]byte(ids), &r.MatchedPersonIDs); err != nil {
				r.MatchedPersonIDs = nil
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image results: %w", err)
	}
	return results, nil
}

// AppendCommitLog records a fan-out outcome in the audit log.
func (p *Pool) AppendCommitLog(ctx context.Context, e *CommitLogEntry) error {
	var personID any
	if e.PersonID != 0 {
		personID = e.PersonID
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO commit_log (batch_id, image_id, person_id, output_path, status)
		VALUES (?, ?, ?, ?, ?)`,
		e.BatchID, e.ImageID, personID, e.OutputPath, e.Status)
	if err != nil {
		return fmt.Errorf("append commit log: %w", err)
	}
	return nil
}

// ClearJobData deletes all rows belonging to prior jobs: commit log,
// image results, batches, images and jobs. The registry is untouched.
// Called by the supervisor before starting a fresh job.
func (p *Pool) ClearJobData(ctx context.Context) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"commit_log", "image_results", "batches", "images", "jobs"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}
