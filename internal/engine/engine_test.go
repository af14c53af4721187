package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/kozaktomas/facesift/internal/config"
	"github.com/kozaktomas/facesift/internal/database"
	"github.com/kozaktomas/facesift/internal/faceengine"
	"github.com/kozaktomas/facesift/internal/state"
	"github.com/kozaktomas/facesift/internal/storage"
)

// fakeFaces keys detections on the decoded image width, so test images
// of distinct sizes stand in for photos of distinct people.
type fakeFaces struct {
	byWidth map[int][]faceengine.Face
}

func (f *fakeFaces) DetectFaces(_ context.Context, data []byte) ([]faceengine.Face, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return f.byWidth[cfg.Width], nil
}

type fixture struct {
	cfg    *config.Config
	pool   *database.Pool
	faces  *fakeFaces
	states *state.Writer
	source string
	output string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{
		HotStorageRoot: t.TempDir(),
		Matching: config.MatchingConfig{
			ThresholdStrict:        0.80,
			ThresholdLoose:         1.00,
			MaxEmbeddingsPerPerson: 30,
		},
		Batch:  config.BatchConfig{Size: 50, TerminateChunk: 10},
		Output: config.OutputConfig{MaxLongEdge: 2048, JPEGQuality: 85},
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	pool, err := database.NewPool(cfg.DBPath())
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	states, err := state.NewWriter(cfg.StateDir())
	if err != nil {
		t.Fatalf("state writer: %v", err)
	}

	return &fixture{
		cfg:    cfg,
		pool:   pool,
		faces:  &fakeFaces{byWidth: make(map[int][]faceengine.Face)},
		states: states,
		source: t.TempDir(),
		output: t.TempDir(),
	}
}

func (f *fixture) jobConfig() *database.JobConfig {
	return &database.JobConfig{SourceRoot: f.source, OutputRoot: f.output}
}

func (f *fixture) engine(t *testing.T, jobCfg *database.JobConfig) *BatchEngine {
	t.Helper()
	return New(f.cfg, f.pool, f.faces, jobCfg, f.states)
}

// writeImage creates a real JPEG of the given width in the source tree.
func (f *fixture) writeImage(t *testing.T, name string, width int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, 10))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(f.source, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func (f *fixture) seedPerson(t *testing.T, name string, axis int) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.pool.CreatePerson(ctx, name, name)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	vec := make([]float32, 8)
	vec[axis] = 1
	if _, err := f.pool.AddEmbedding(ctx, id, vec, database.SourceReference, 30); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return id
}

// nearAxis is a unit vector close to the axis (distance ~0.3).
func nearAxis(axis int) []float32 {
	v := make([]float32, 8)
	v[axis] = 0.955
	v[(axis+1)%8] = 0.2966
	return v
}

func runSingleBatch(t *testing.T, f *fixture, jobCfg *database.JobConfig) (*BatchEngine, *database.Batch, error) {
	t.Helper()
	ctx := context.Background()

	eng := f.engine(t, jobCfg)
	if _, err := eng.DiscoverImages(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	pending, err := f.pool.PendingBatches(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(pending))
	}
	batch := pending[0]
	return eng, &batch, eng.ProcessBatch(ctx, &batch)
}

func expectedName(t *testing.T, sourcePath string) string {
	t.Helper()
	hash, err := storage.StreamHash(sourcePath)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return storage.DeterministicName(filepath.Base(sourcePath), hash)
}

func TestSingleMatchRoutesAndLearns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.seedPerson(t, "alice", 0)
	src := f.writeImage(t, "a.jpg", 40)
	f.faces.byWidth[40] = []faceengine.Face{{Embedding: nearAxis(0)}}

	_, batch, err := runSingleBatch(t, f, f.jobConfig())
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}

	// One output under alice's folder with the deterministic name.
	out := filepath.Join(f.output, "alice", expectedName(t, src))
	if _, err := os.Stat(out); err != nil {
		t.Errorf("expected output %s: %v", out, err)
	}

	results, err := f.pool.ImageResultsForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.FaceCount != 1 || r.MatchedCount != 1 || r.UnknownCount != 0 {
		t.Errorf("unexpected counts: %+v", r)
	}

	// Strict match learned: alice grew to two embeddings.
	vectors, err := f.pool.PersonEmbeddings(ctx, alice)
	if err != nil {
		t.Fatalf("embeddings: %v", err)
	}
	if len(vectors) != 2 {
		t.Errorf("expected 2 embeddings after learning, got %d", len(vectors))
	}

	b, err := f.pool.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.State != database.BatchCommitted {
		t.Errorf("batch state %s, want COMMITTED", b.State)
	}

	// The progress snapshot records what was last committed and where.
	p, err := state.ReadProgress(f.cfg.StateDir())
	if err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if p.LastCommitted != expectedName(t, src) {
		t.Errorf("last committed %q, want %q", p.LastCommitted, expectedName(t, src))
	}
	if p.LastPerson != "alice" {
		t.Errorf("last person %q, want alice", p.LastPerson)
	}
}

func TestFanOutTwoPersons(t *testing.T) {
	f := newFixture(t)

	f.seedPerson(t, "alice", 0)
	f.seedPerson(t, "bob", 3)
	src := f.writeImage(t, "group.jpg", 60)
	f.faces.byWidth[60] = []faceengine.Face{
		{Embedding: nearAxis(0)},
		{Embedding: nearAxis(3)},
	}

	if _, _, err := runSingleBatch(t, f, f.jobConfig()); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	name := expectedName(t, src)
	a, err := os.ReadFile(filepath.Join(f.output, "alice", name))
	if err != nil {
		t.Fatalf("alice output: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(f.output, "bob", name))
	if err != nil {
		t.Fatalf("bob output: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("fan-out copies should be byte-identical")
	}
}

func TestCommitReplayAfterCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.seedPerson(t, "alice", 0)
	bob := f.seedPerson(t, "bob", 3)
	src := f.writeImage(t, "group.jpg", 60)

	jobCfg := f.jobConfig()
	eng := f.engine(t, jobCfg)
	if _, err := eng.DiscoverImages(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	pending, err := f.pool.PendingBatches(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	batch := pending[0]

	// Simulate a crash mid-commit: analysis results persisted, batch in
	// COMMITTING, one of the two targets already materialized.
	images, err := f.pool.ImagesForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("images: %v", err)
	}
	if err := f.pool.SaveImageResult(ctx, &database.ImageResult{
		ImageID:          images[0].ID,
		BatchID:          batch.ID,
		FaceCount:        2,
		MatchedCount:     2,
		MatchedPersonIDs: []int64{alice, bob},
	}); err != nil {
		t.Fatalf("save result: %v", err)
	}
	if err := f.pool.UpdateBatchState(ctx, batch.ID, database.BatchCommitting); err != nil {
		t.Fatalf("set committing: %v", err)
	}

	name := expectedName(t, src)
	existing := filepath.Join(f.output, "alice", name)
	if err := os.MkdirAll(filepath.Dir(existing), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(existing, []byte("written before crash"), 0o644); err != nil {
		t.Fatalf("write existing: %v", err)
	}

	// Replay, as resume does for COMMITTING batches.
	if err := eng.CommitBatch(ctx, &batch); err != nil {
		t.Fatalf("replay commit: %v", err)
	}

	// Existing target untouched, missing target filled in.
	data, err := os.ReadFile(existing)
	if err != nil {
		t.Fatalf("read existing: %v", err)
	}
	if string(data) != "written before crash" {
		t.Error("replay overwrote an existing output")
	}
	if _, err := os.Stat(filepath.Join(f.output, "bob", name)); err != nil {
		t.Errorf("replay did not fill in missing target: %v", err)
	}

	b, err := f.pool.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.State != database.BatchCommitted {
		t.Errorf("batch state %s, want COMMITTED", b.State)
	}
}

func TestGroupModeRequiresFullSet(t *testing.T) {
	f := newFixture(t)

	alice := f.seedPerson(t, "alice", 0)
	bob := f.seedPerson(t, "bob", 3)

	soloSrc := f.writeImage(t, "solo.jpg", 40)
	bothSrc := f.writeImage(t, "both.jpg", 60)
	f.faces.byWidth[40] = []faceengine.Face{{Embedding: nearAxis(0)}}
	f.faces.byWidth[60] = []faceengine.Face{
		{Embedding: nearAxis(0)},
		{Embedding: nearAxis(3)},
	}

	jobCfg := f.jobConfig()
	jobCfg.GroupMode = true
	jobCfg.GroupFolderName = "wedding"
	jobCfg.SelectedPersonIDs = []int64{alice, bob}

	if _, _, err := runSingleBatch(t, f, jobCfg); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	// Only the image with both persons lands in the group folder.
	if _, err := os.Stat(filepath.Join(f.output, "wedding", expectedName(t, bothSrc))); err != nil {
		t.Errorf("expected group output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.output, "wedding", expectedName(t, soloSrc))); !os.IsNotExist(err) {
		t.Error("solo image should not be routed in group mode")
	}
}

func TestDecodeFailureAbsorbed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPerson(t, "alice", 0)
	if err := os.WriteFile(filepath.Join(f.source, "broken.jpg"), []byte("not a jpeg"), 0o644); err != nil {
		t.Fatalf("write broken: %v", err)
	}

	_, batch, err := runSingleBatch(t, f, f.jobConfig())
	if err != nil {
		t.Fatalf("batch should absorb decode failure: %v", err)
	}

	results, err := f.pool.ImageResultsForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected a persisted zero-face result, got %d rows", len(results))
	}
	if results[0].FaceCount != 0 || results[0].MatchedCount != 0 {
		t.Errorf("broken image should yield zero counts: %+v", results[0])
	}

	b, err := f.pool.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.State != database.BatchCommitted {
		t.Errorf("batch state %s, want COMMITTED", b.State)
	}
}

func TestUnknownFaceNotRouted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPerson(t, "alice", 0)
	f.writeImage(t, "stranger.jpg", 40)
	// A face orthogonal to alice's centroid: distance sqrt(2) > loose.
	f.faces.byWidth[40] = []faceengine.Face{{Embedding: nearAxis(5)}}

	_, batch, err := runSingleBatch(t, f, f.jobConfig())
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}

	results, err := f.pool.ImageResultsForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	r := results[0]
	if r.FaceCount != 1 || r.MatchedCount != 0 || r.UnknownCount != 1 {
		t.Errorf("unexpected counts: %+v", r)
	}

	entries, err := os.ReadDir(filepath.Join(f.output, "alice"))
	if err == nil && len(entries) > 0 {
		t.Error("unknown face should not produce output")
	}
}

func TestTerminatingStopsAnalysis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPerson(t, "alice", 0)
	f.writeImage(t, "a.jpg", 40)
	f.faces.byWidth[40] = []faceengine.Face{{Embedding: nearAxis(0)}}

	eng := f.engine(t, f.jobConfig())
	if _, err := eng.DiscoverImages(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if err := f.pool.SetJobStatus(ctx, database.JobStatusTerminating); err != nil {
		t.Fatalf("set status: %v", err)
	}

	pending, err := f.pool.PendingBatches(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	batch := pending[0]

	err = eng.ProcessBatch(ctx, &batch)
	if !errors.Is(err, Terminated{}) {
		t.Fatalf("expected Terminated, got %v", err)
	}

	// No analysis ran, so nothing was committed, but the batch still
	// went through its (empty) commit phase.
	b, err := f.pool.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.State != database.BatchCommitted {
		t.Errorf("batch state %s, want COMMITTED", b.State)
	}
	if _, err := os.Stat(filepath.Join(f.output, "alice")); !os.IsNotExist(err) {
		t.Error("terminated batch should not produce output")
	}
}
