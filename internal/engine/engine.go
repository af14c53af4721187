// Package engine drives the batch state machine: PENDING batches are
// claimed, analyzed and committed, with every transition persisted so a
// crash at any point resumes without data loss or duplicated output.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/kozaktomas/facesift/internal/compress"
	"github.com/kozaktomas/facesift/internal/config"
	"github.com/kozaktomas/facesift/internal/database"
	"github.com/kozaktomas/facesift/internal/faceengine"
	"github.com/kozaktomas/facesift/internal/ingest"
	"github.com/kozaktomas/facesift/internal/match"
	"github.com/kozaktomas/facesift/internal/metrics"
	"github.com/kozaktomas/facesift/internal/routing"
	"github.com/kozaktomas/facesift/internal/state"
	"github.com/kozaktomas/facesift/internal/storage"
)

// BatchEngine executes one job: discovery, per-batch analysis and the
// commit fan-out.
type BatchEngine struct {
	cfg       *config.Config
	pool      *database.Pool
	faces     faceengine.Engine
	matcher   *match.Matcher
	converter *compress.Converter
	router    *routing.Router
	states    *state.Writer

	jobCfg  *database.JobConfig
	jobID   int64
	total   int
	started time.Time

	mu            sync.Mutex
	processed     int
	lastImage     string
	lastCommitted string
	lastPerson    string

	streamFolders map[int64]string
	streamStaging string
}

// New builds an engine for the current job configuration.
func New(cfg *config.Config, pool *database.Pool, faces faceengine.Engine, jobCfg *database.JobConfig, states *state.Writer) *BatchEngine {
	var raw *compress.RawDecoder
	if cfg.Raw.Converter != "" {
		raw = compress.NewRawDecoder(cfg.Raw.Converter)
	}

	return &BatchEngine{
		cfg:  cfg,
		pool: pool,
		matcher: match.NewMatcher(pool, match.Thresholds{
			Strict: cfg.Matching.ThresholdStrict,
			Loose:  cfg.Matching.ThresholdLoose,
		}, cfg.Matching.MaxEmbeddingsPerPerson),
		faces: faces,
		converter: compress.NewConverter(compress.Options{
			MaxLongEdge: cfg.Output.MaxLongEdge,
			Quality:     cfg.Output.JPEGQuality,
		}, raw),
		router:  routing.NewRouter(pool, jobCfg.OutputRoot),
		states:  states,
		jobCfg:  jobCfg,
		started: time.Now(),
	}
}

// DiscoverImages validates the configured roots, catalogs the source
// tree and slices it into batches. Returns the number of images found.
func (e *BatchEngine) DiscoverImages(ctx context.Context) (int, error) {
	if !e.jobCfg.Configured() {
		return 0, fmt.Errorf("job config missing source or output root")
	}
	if err := validateRoots(e.jobCfg); err != nil {
		return 0, err
	}

	scanner := ingest.NewScanner(e.pool, config.SupportedExtensions)
	images, err := scanner.Discover(e.jobCfg.SourceRoot, e.jobCfg.SelectedImagePaths)
	if err != nil {
		return 0, err
	}

	jobID, batchCount, err := scanner.Catalog(ctx, e.jobCfg.SourceRoot, e.jobCfg.OutputRoot, images, e.cfg.Batch.Size)
	if err != nil {
		return 0, err
	}
	e.jobID = jobID
	e.total = len(images)

	if err := e.states.ClearBatches(); err != nil {
		log.Printf("clear batch states: %v", err)
	}
	log.Printf("discovered %d images in %d batches (job %d)", len(images), batchCount, jobID)
	return len(images), nil
}

func validateRoots(jobCfg *database.JobConfig) error {
	src, err := os.Stat(jobCfg.SourceRoot)
	if err != nil || !src.IsDir() {
		return fmt.Errorf("source root %s is not a readable directory", jobCfg.SourceRoot)
	}
	out, err := os.Stat(jobCfg.OutputRoot)
	if err != nil || !out.IsDir() {
		return fmt.Errorf("output root %s is not a writable directory", jobCfg.OutputRoot)
	}
	for _, p := range jobCfg.SelectedImagePaths {
		rel, err := filepath.Rel(jobCfg.SourceRoot, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return fmt.Errorf("selected image %s is outside the source root", p)
		}
	}
	return nil
}

// Terminated is returned by ProcessBatch when the job status flipped to
// terminating mid-batch. The batch still committed whatever analysis
// had finished.
type Terminated struct{}

func (Terminated) Error() string { return "job terminated" }

// ProcessBatch runs one batch through PROCESSING and the commit phase.
// The caller dispatches batches in ascending batch_id order.
func (e *BatchEngine) ProcessBatch(ctx context.Context, batch *database.Batch) error {
	batchStart := time.Now()

	if err := e.pool.UpdateBatchState(ctx, batch.ID, database.BatchProcessing); err != nil {
		return err
	}
	e.writeBatchState(batch.ID, batch, database.BatchProcessing)

	if err := e.matcher.Refresh(ctx); err != nil {
		return err
	}

	images, err := e.pool.ImagesForBatch(ctx, batch.ID)
	if err != nil {
		return err
	}

	if e.cfg.Batch.StreamCommit {
		folders, err := e.personFolders(ctx)
		if err != nil {
			return err
		}
		staging := filepath.Join(e.cfg.StagingDir(), strconv.FormatInt(batch.ID, 10))
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return fmt.Errorf("create staging dir: %w", err)
		}
		e.mu.Lock()
		e.streamFolders = folders
		e.streamStaging = staging
		e.mu.Unlock()
	}

	terminated, err := e.analyzeImages(ctx, batch, images)
	if err != nil {
		return err
	}

	if err := e.pool.UpdateBatchState(ctx, batch.ID, database.BatchCommitting); err != nil {
		return err
	}
	e.writeBatchState(batch.ID, batch, database.BatchCommitting)

	if err := e.CommitBatch(ctx, batch); err != nil {
		return err
	}

	metrics.BatchesCommitted.Inc()
	metrics.BatchDuration.Observe(time.Since(batchStart).Seconds())

	if terminated {
		return Terminated{}
	}
	return nil
}

// analyzeImages fans the batch's images over the worker pool. Between
// every terminate chunk it polls the job status; on terminating it
// stops scheduling and lets in-flight analyses finish.
func (e *BatchEngine) analyzeImages(ctx context.Context, batch *database.Batch, images []database.Image) (bool, error) {
	workers := 1
	if e.cfg.Parallel.Enabled {
		workers = e.cfg.Parallel.WorkerCount()
	}

	bar := progressbar.NewOptions(len(images),
		progressbar.OptionSetDescription(fmt.Sprintf("Batch %d (%d workers)", batch.ID, workers)),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	semaphore := make(chan struct{}, workers)
	var wg sync.WaitGroup
	terminated := false

	chunk := e.cfg.Batch.TerminateChunk
	for start := 0; start < len(images); start += chunk {
		status, err := e.pool.GetJobStatus(ctx)
		if err != nil {
			return false, err
		}
		if status == database.JobStatusTerminating {
			terminated = true
			break
		}

		end := start + chunk
		if end > len(images) {
			end = len(images)
		}

		for _, img := range images[start:end] {
			wg.Add(1)
			go func(img database.Image) {
				defer wg.Done()

				semaphore <- struct{}{}
				defer func() { <-semaphore }()

				metrics.ActiveWorkers.Inc()
				defer metrics.ActiveWorkers.Dec()

				e.analyzeOne(ctx, batch, img)
				bar.Add(1)
				e.noteProcessed(img.Filename)
			}(img)
		}
		wg.Wait()
		e.writeProgress(batch, database.BatchProcessing)
	}
	wg.Wait()
	fmt.Println()

	return terminated, nil
}

// analyzeOne runs detection and matching for one image and persists the
// result. Decode and detection failures are absorbed as a zero-face
// result so the image is not retried forever.
func (e *BatchEngine) analyzeOne(ctx context.Context, batch *database.Batch, img database.Image) {
	result := &database.ImageResult{ImageID: img.ID, BatchID: batch.ID}

	if img.SHA256 == "" {
		if hash, err := storage.StreamHash(img.SourcePath); err == nil {
			if err := e.pool.UpdateImageHash(ctx, img.ID, hash); err != nil {
				log.Printf("store hash for %s: %v", img.Filename, err)
			}
		}
	}

	data, err := e.recognitionBytes(img)
	if err != nil {
		log.Printf("decode failed for %s: %v", img.SourcePath, err)
		metrics.ImagesFailed.Inc()
		e.saveResult(ctx, result)
		return
	}

	faces, err := e.faces.DetectFaces(ctx, data)
	if err != nil {
		log.Printf("face detection failed for %s: %v", img.SourcePath, err)
		metrics.ImagesFailed.Inc()
		e.saveResult(ctx, result)
		return
	}

	result.FaceCount = len(faces)
	metrics.FacesDetected.Add(float64(len(faces)))

	selected := make(map[int64]bool, len(e.jobCfg.SelectedPersonIDs))
	for _, id := range e.jobCfg.SelectedPersonIDs {
		selected[id] = true
	}

	matchedSet := make(map[int64]bool)
	for _, f := range faces {
		r := e.matcher.Match(f.Embedding, selected)
		metrics.MatchOutcomes.WithLabelValues(string(r.Outcome)).Inc()

		switch r.Outcome {
		case match.OutcomeStrict:
			matchedSet[r.PersonID] = true
			if err := e.matcher.Learn(ctx, r.PersonID, f.Embedding); err != nil {
				log.Printf("learn for person %d: %v", r.PersonID, err)
			} else {
				metrics.EmbeddingsLearned.Inc()
			}
		case match.OutcomeLoose:
			matchedSet[r.PersonID] = true
		case match.OutcomeUnknown:
			result.UnknownCount++
		}
	}

	for id := range matchedSet {
		result.MatchedPersonIDs = append(result.MatchedPersonIDs, id)
	}
	sort.Slice(result.MatchedPersonIDs, func(i, j int) bool {
		return result.MatchedPersonIDs[i] < result.MatchedPersonIDs[j]
	})
	result.MatchedCount = len(result.MatchedPersonIDs)

	// Group mode keeps an image only when every required person is in
	// it; anything else routes nowhere.
	if e.jobCfg.GroupMode && len(e.jobCfg.SelectedPersonIDs) > 0 {
		for _, id := range e.jobCfg.SelectedPersonIDs {
			if !matchedSet[id] {
				result.MatchedCount = 0
				result.MatchedPersonIDs = nil
				break
			}
		}
	}

	metrics.ImagesProcessed.Inc()
	e.saveResult(ctx, result)

	// Stream-commit mode materializes outputs as soon as the image is
	// analyzed instead of waiting for the batch commit phase. The
	// phased commit still runs afterwards; existing outputs make it a
	// no-op per target.
	if e.cfg.Batch.StreamCommit && result.MatchedCount > 0 {
		e.mu.Lock()
		folders, staging := e.streamFolders, e.streamStaging
		e.mu.Unlock()

		r := *result
		r.SourcePath = img.SourcePath
		r.Filename = img.Filename
		r.SHA256 = img.SHA256
		if err := e.commitImage(ctx, batch, r, folders, staging); err != nil {
			log.Printf("stream commit image %d: %v", img.ID, err)
		}
	}
}

func (e *BatchEngine) saveResult(ctx context.Context, r *database.ImageResult) {
	if err := e.pool.SaveImageResult(ctx, r); err != nil {
		log.Printf("save result for image %d: %v", r.ImageID, err)
	}
}

// recognitionBytes returns JPEG bytes suitable for face detection. Raw
// files are decoded to a scratch JPEG that is removed afterwards,
// whether or not detection succeeds.
func (e *BatchEngine) recognitionBytes(img database.Image) ([]byte, error) {
	if !compress.RawExtensions[img.Extension] {
		return os.ReadFile(img.SourcePath)
	}

	scratch := filepath.Join(e.cfg.TempDir(), uuid.NewString()+".jpg")
	defer os.Remove(scratch)

	if err := e.converter.ConvertToFile(img.SourcePath, scratch); err != nil {
		return nil, err
	}
	return os.ReadFile(scratch)
}

// CommitBatch materializes the batch's outputs: every image with a
// match is compressed once to staging and fanned out. Deterministic
// names plus skip-if-exists make this safe to replay after a crash,
// which is exactly what resume does for batches found in COMMITTING.
func (e *BatchEngine) CommitBatch(ctx context.Context, batch *database.Batch) error {
	results, err := e.pool.ImageResultsForBatch(ctx, batch.ID)
	if err != nil {
		return err
	}

	folders, err := e.personFolders(ctx)
	if err != nil {
		return err
	}

	stagingDir := filepath.Join(e.cfg.StagingDir(), strconv.FormatInt(batch.ID, 10))
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	workers := 1
	if e.cfg.Parallel.Enabled {
		workers = e.cfg.Parallel.WorkerCount()
	}
	semaphore := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, r := range results {
		if r.MatchedCount == 0 {
			continue
		}
		wg.Add(1)
		go func(r database.ImageResult) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if err := e.commitImage(ctx, batch, r, folders, stagingDir); err != nil {
				log.Printf("commit image %d: %v", r.ImageID, err)
			}
		}(r)
	}
	wg.Wait()

	if err := storage.RemoveStaged(stagingDir); err != nil {
		log.Printf("cleanup staging for batch %d: %v", batch.ID, err)
	}

	if err := e.pool.UpdateBatchState(ctx, batch.ID, database.BatchCommitted); err != nil {
		return err
	}
	e.writeBatchState(batch.ID, batch, database.BatchCommitted)
	e.writeProgress(batch, database.BatchCommitted)
	return nil
}

func (e *BatchEngine) commitImage(ctx context.Context, batch *database.Batch, r database.ImageResult, folders map[int64]string, stagingDir string) error {
	hash := r.SHA256
	if hash == "" {
		h, err := storage.StreamHash(r.SourcePath)
		if err != nil {
			return fmt.Errorf("hash %s: %w", r.SourcePath, err)
		}
		hash = h
		if err := e.pool.UpdateImageHash(ctx, r.ImageID, h); err != nil {
			log.Printf("store hash for image %d: %v", r.ImageID, err)
		}
	}

	name := storage.DeterministicName(r.Filename, hash)
	staged := filepath.Join(stagingDir, name)

	if _, err := os.Stat(staged); os.IsNotExist(err) {
		if err := e.converter.ConvertToFile(r.SourcePath, staged); err != nil {
			return fmt.Errorf("compress %s: %w", r.SourcePath, err)
		}
	}

	targets, err := e.router.ResolveTargets(r.MatchedPersonIDs, folders, e.jobCfg.GroupMode, e.jobCfg.GroupFolderName)
	if err != nil {
		return err
	}

	outcomes := e.router.FanOut(ctx, staged, name, targets)
	e.router.LogOutcomes(ctx, batch.ID, r.ImageID, outcomes)
	if len(targets) > 0 {
		e.noteCommitted(name, targets[len(targets)-1].FolderRel)
	}
	for _, o := range outcomes {
		status := routing.StatusSkipped
		switch {
		case o.Err != nil:
			status = routing.StatusFailed
			log.Printf("fan-out to %s: %v", o.OutputPath, o.Err)
		case o.Copied:
			status = routing.StatusCopied
		}
		metrics.FanOutCopies.WithLabelValues(status).Inc()
	}
	return nil
}

func (e *BatchEngine) personFolders(ctx context.Context) (map[int64]string, error) {
	persons, err := e.pool.AllPersons(ctx)
	if err != nil {
		return nil, err
	}
	folders := make(map[int64]string, len(persons))
	for _, p := range persons {
		folders[p.ID] = p.OutputFolderRel
	}
	return folders, nil
}

func (e *BatchEngine) noteProcessed(filename string) {
	e.mu.Lock()
	e.processed++
	e.lastImage = filename
	e.mu.Unlock()
}

func (e *BatchEngine) noteCommitted(name, folder string) {
	e.mu.Lock()
	e.lastCommitted = name
	e.lastPerson = folder
	e.mu.Unlock()
}

func (e *BatchEngine) writeBatchState(batchID int64, b *database.Batch, s database.BatchState) {
	if err := e.states.WriteBatch(&state.BatchSnapshot{
		BatchID:  batchID,
		State:    string(s),
		StartIdx: b.StartIdx,
		EndIdx:   b.EndIdx,
	}); err != nil {
		log.Printf("write batch state: %v", err)
	}
}

func (e *BatchEngine) writeProgress(batch *database.Batch, s database.BatchState) {
	e.mu.Lock()
	processed := e.processed
	lastImage := e.lastImage
	lastCommitted := e.lastCommitted
	lastPerson := e.lastPerson
	e.mu.Unlock()

	ctx := context.Background()
	committed, err := e.pool.CommittedBatchCount(ctx, e.jobID)
	if err != nil {
		committed = 0
	}
	totalBatches := (e.total + e.cfg.Batch.Size - 1) / e.cfg.Batch.Size

	if err := e.pool.UpdateJobImageCounts(ctx, e.jobID, e.total, processed); err != nil {
		log.Printf("update job counts: %v", err)
	}

	elapsed := time.Since(e.started).Seconds()
	var rate, remaining float64
	if elapsed > 0 && processed > 0 {
		rate = float64(processed) / elapsed
		remaining = float64(e.total-processed) / rate
	}
	var percent float64
	if e.total > 0 {
		percent = 100 * float64(processed) / float64(e.total)
	}

	status, err := e.pool.GetJobStatus(ctx)
	if err != nil {
		status = database.JobStatusRunning
	}

	if err := e.states.WriteProgress(&state.Progress{
		JobStatus:        status,
		TotalImages:      e.total,
		ProcessedImages:  processed,
		Percent:          percent,
		TotalBatches:     totalBatches,
		CommittedBatches: committed,
		CurrentBatchID:   batch.ID,
		CurrentBatch:     string(s),
		CurrentImage:     lastImage,
		LastCommitted:    lastCommitted,
		LastPerson:       lastPerson,
		ElapsedSeconds:   elapsed,
		EstimatedSeconds: remaining,
		ImagesPerSecond:  rate,
	}); err != nil {
		log.Printf("write progress: %v", err)
	}
}
