// Package worker runs the long-lived supervisor: crash resume at
// startup, the heartbeat task, and the job polling loop that dispatches
// batches to the engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/kozaktomas/facesift/internal/config"
	"github.com/kozaktomas/facesift/internal/database"
	"github.com/kozaktomas/facesift/internal/engine"
	"github.com/kozaktomas/facesift/internal/faceengine"
	"github.com/kozaktomas/facesift/internal/state"
)

const (
	pollInterval      = 3 * time.Second
	heartbeatInterval = 3 * time.Second
	errorBackoff      = 5 * time.Second
)

// Runner is the supervisor for one worker process.
type Runner struct {
	cfg    *config.Config
	pool   *database.Pool
	faces  faceengine.Engine
	states *state.Writer

	eng *engine.BatchEngine
}

// NewRunner wires a supervisor.
func NewRunner(cfg *config.Config, pool *database.Pool, faces faceengine.Engine, states *state.Writer) *Runner {
	return &Runner{cfg: cfg, pool: pool, faces: faces, states: states}
}

// Run blocks until ctx is cancelled. Resume executes exactly once
// before the polling loop starts.
func (r *Runner) Run(ctx context.Context) error {
	workers := r.cfg.Parallel.WorkerCount()
	fmt.Printf("worker starting: %d analysis workers (%s mode, %d cpus)\n",
		workers, r.cfg.Parallel.Mode, runtime.NumCPU())
	if warn := r.cfg.Parallel.UsageWarning(); warn != "" {
		fmt.Println(warn)
	}

	if err := r.resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	go r.heartbeatLoop(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := r.pool.GetJobStatus(ctx)
		if err != nil {
			log.Printf("poll job status: %v", err)
			continue
		}
		if status != database.JobStatusRunning {
			r.eng = nil
			continue
		}

		if err := r.step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("batch processing: %v", err)
			time.Sleep(errorBackoff)
		}
	}
}

// resume repairs state left by a crashed worker: PROCESSING batches go
// back to PENDING (analysis is idempotent), COMMITTING batches get
// their commit phase replayed (outputs are deterministic, so existing
// files are skipped).
func (r *Runner) resume(ctx context.Context) error {
	processing, err := r.pool.BatchesByState(ctx, database.BatchProcessing)
	if err != nil {
		return err
	}
	for _, b := range processing {
		log.Printf("resume: batch %d was PROCESSING, resetting to PENDING", b.ID)
		if err := r.pool.UpdateBatchState(ctx, b.ID, database.BatchPending); err != nil {
			return err
		}
	}

	committing, err := r.pool.BatchesByState(ctx, database.BatchCommitting)
	if err != nil {
		return err
	}
	if len(committing) == 0 {
		return nil
	}

	jobCfg, err := r.pool.GetJobConfig(ctx)
	if err != nil {
		return err
	}
	if !jobCfg.Configured() {
		// A COMMITTING batch with no config should not happen; leave
		// it for the operator rather than guessing roots.
		log.Printf("resume: %d COMMITTING batches but no job config, skipping replay", len(committing))
		return nil
	}

	eng := engine.New(r.cfg, r.pool, r.faces, jobCfg, r.states)
	for _, b := range committing {
		log.Printf("resume: replaying commit for batch %d", b.ID)
		batch := b
		if err := eng.CommitBatch(ctx, &batch); err != nil {
			return fmt.Errorf("replay commit for batch %d: %w", b.ID, err)
		}
	}
	return nil
}

// step makes one unit of progress: lazily initializes the engine for a
// freshly started job, then processes one pending batch.
func (r *Runner) step(ctx context.Context) error {
	if r.eng == nil {
		jobCfg, err := r.pool.GetJobConfig(ctx)
		if err != nil {
			return err
		}

		if err := r.pool.ClearJobData(ctx); err != nil {
			return err
		}
		if err := r.states.ClearBatches(); err != nil {
			log.Printf("clear batch states: %v", err)
		}

		eng := engine.New(r.cfg, r.pool, r.faces, jobCfg, r.states)
		if _, err := eng.DiscoverImages(ctx); err != nil {
			if serr := r.pool.SetJobStatus(ctx, database.JobStatusStopped); serr != nil {
				log.Printf("set job status: %v", serr)
			}
			return err
		}
		r.eng = eng
	}

	pending, err := r.pool.PendingBatches(ctx, 1)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		r.eng = nil
		log.Printf("all batches committed, job completed")
		return r.pool.SetJobStatus(ctx, database.JobStatusCompleted)
	}

	batch := pending[0]
	if err := r.eng.ProcessBatch(ctx, &batch); err != nil {
		if errors.Is(err, engine.Terminated{}) {
			r.eng = nil
			log.Printf("job terminated during batch %d", batch.ID)
			return r.pool.SetJobStatus(ctx, database.JobStatusStopped)
		}
		// A stuck PROCESSING batch would never be retried; put it back.
		if rerr := r.pool.UpdateBatchState(ctx, batch.ID, database.BatchPending); rerr != nil {
			log.Printf("reset batch %d: %v", batch.ID, rerr)
		}
		return err
	}

	// Soft stop is honored at batch boundaries only.
	status, err := r.pool.GetJobStatus(ctx)
	if err == nil && status == database.JobStatusStopped {
		r.eng = nil
		log.Printf("job stopped after batch %d", batch.ID)
	}
	return nil
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		status, err := r.pool.GetJobStatus(ctx)
		if err != nil {
			status = "unknown"
		}
		if err := r.states.WriteHeartbeat(status); err != nil {
			log.Printf("write heartbeat: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
