package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application settings. Values come from the environment
// (optionally via a .env file loaded in cmd) with an optional config.yaml
// overlay inside the hot storage root.
type Config struct {
	// HotStorageRoot is the internal fast volume holding the catalog,
	// state files, staging and scratch directories. Source and output
	// trees live on external storage and are configured per job.
	HotStorageRoot string

	Matching   MatchingConfig
	Batch      BatchConfig
	Output     OutputConfig
	Server     ServerConfig
	Parallel   ParallelConfig
	FaceEngine FaceEngineConfig
	Raw        RawConfig
}

// MatchingConfig holds face matching thresholds.
//
// Distances are Euclidean on unit-normalized embeddings, so the usable
// range is 0 (identical) to 2 (opposite). The strict band feeds online
// learning; the loose band only widens recall.
type MatchingConfig struct {
	ThresholdStrict        float64 `yaml:"threshold_strict"`
	ThresholdLoose         float64 `yaml:"threshold_loose"`
	MaxEmbeddingsPerPerson int     `yaml:"max_embeddings_per_person"`
}

// BatchConfig controls the atomic batch state machine.
type BatchConfig struct {
	// Size is the number of images per atomic batch (the crash boundary).
	Size int `yaml:"size"`
	// TerminateChunk is how many images are analyzed between checks of
	// the terminating flag.
	TerminateChunk int `yaml:"terminate_chunk"`
	// StreamCommit commits each image as soon as it finishes matching
	// instead of accumulating to an end-of-batch commit phase.
	StreamCommit bool `yaml:"stream_commit"`
}

// OutputConfig is the locked deliverable policy.
type OutputConfig struct {
	MaxLongEdge int `yaml:"max_long_edge"`
	JPEGQuality int `yaml:"jpeg_quality"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ParallelConfig controls the CPU-bound worker pool.
type ParallelConfig struct {
	// Mode is one of low, balanced, high, adaptive, custom.
	Mode string `yaml:"cpu_usage_mode"`
	// MaxWorkers is only used when Mode is "custom".
	MaxWorkers int `yaml:"max_parallel_workers"`
	Enabled    bool `yaml:"enable_parallel_processing"`
}

// FaceEngineConfig points at the face detection/embedding sidecar.
type FaceEngineConfig struct {
	URL string `yaml:"url"`
	Dim int    `yaml:"dim"`
}

// RawConfig configures the external camera-raw decoder.
type RawConfig struct {
	// Converter is the command invoked to decode a raw file to a PPM
	// stream on stdout (dcraw-compatible interface).
	Converter string `yaml:"converter"`
}

// SupportedExtensions lists the input extensions the ingester accepts,
// lower-case with leading dot.
var SupportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".arw":  true,
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a positive float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envBool reads an environment variable as a boolean. Accepts the usual
// strconv forms; anything unparsable returns the default.
func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envStr(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Load builds the configuration from the environment, then applies the
// optional config.yaml overlay from the hot storage root.
func Load() *Config {
	cfg := &Config{
		HotStorageRoot: envStr("HOT_STORAGE_ROOT", "./hot_storage"),
		Matching: MatchingConfig{
			ThresholdStrict:        envFloat("THRESHOLD_STRICT", 0.80),
			ThresholdLoose:         envFloat("THRESHOLD_LOOSE", 1.00),
			MaxEmbeddingsPerPerson: envInt("MAX_EMBEDDINGS_PER_PERSON", 30),
		},
		Batch: BatchConfig{
			Size:           envInt("ATOMIC_BATCH_SIZE", 50),
			TerminateChunk: envInt("TERMINATE_CHUNK", 10),
			StreamCommit:   envBool("STREAM_COMMIT", false),
		},
		Output: OutputConfig{
			MaxLongEdge: envInt("OUTPUT_MAX_LONG_EDGE", 2048),
			JPEGQuality: envInt("OUTPUT_JPEG_QUALITY", 85),
		},
		Server: ServerConfig{
			Host: envStr("SERVER_HOST", "127.0.0.1"),
			Port: envInt("SERVER_PORT", 8000),
		},
		Parallel: ParallelConfig{
			Mode:       envStr("CPU_USAGE_MODE", "balanced"),
			MaxWorkers: envInt("MAX_PARALLEL_WORKERS", 4),
			Enabled:    envBool("ENABLE_PARALLEL_PROCESSING", true),
		},
		FaceEngine: FaceEngineConfig{
			URL: envStr("FACE_ENGINE_URL", "http://localhost:8100"),
			Dim: envInt("FACE_EMBEDDING_DIM", 512),
		},
		Raw: RawConfig{
			Converter: envStr("RAW_CONVERTER", "dcraw"),
		},
	}

	cfg.applyYAMLOverlay()
	return cfg
}

// applyYAMLOverlay merges hot_storage/config.yaml over the env-derived
// settings. The file is optional; parse errors are reported but not fatal.
func (c *Config) applyYAMLOverlay() {
	path := filepath.Join(c.HotStorageRoot, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	overlay := struct {
		Matching *MatchingConfig `yaml:"matching"`
		Batch    *BatchConfig    `yaml:"batch"`
		Output   *OutputConfig   `yaml:"output"`
		Server   *ServerConfig   `yaml:"server"`
		Parallel *ParallelConfig `yaml:"parallel"`
	}{}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring invalid %s: %v\n", path, err)
		return
	}

	if overlay.Matching != nil {
		c.Matching = *overlay.Matching
	}
	if overlay.Batch != nil {
		c.Batch = *overlay.Batch
	}
	if overlay.Output != nil {
		c.Output = *overlay.Output
	}
	if overlay.Server != nil {
		c.Server = *overlay.Server
	}
	if overlay.Parallel != nil {
		c.Parallel = *overlay.Parallel
	}
}

// DBPath is the SQLite catalog file.
func (c *Config) DBPath() string {
	return filepath.Join(c.HotStorageRoot, "registry.db")
}

// StateDir holds the tracker snapshot files.
func (c *Config) StateDir() string {
	return filepath.Join(c.HotStorageRoot, "state")
}

// StagingDir holds the compressed-once artifact prior to fan-out.
func (c *Config) StagingDir() string {
	return filepath.Join(c.HotStorageRoot, "staging")
}

// TempDir holds transient raw decode artifacts.
func (c *Config) TempDir() string {
	return filepath.Join(c.HotStorageRoot, "temp")
}

// ModelsDir holds engine-specific model files for the face sidecar.
func (c *Config) ModelsDir() string {
	return filepath.Join(c.HotStorageRoot, "models")
}

// ThumbnailsDir holds per-person face thumbnails saved at seeding time.
func (c *Config) ThumbnailsDir() string {
	return filepath.Join(c.HotStorageRoot, "thumbnails")
}

// EnsureDirectories creates all hot storage directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.HotStorageRoot,
		c.StateDir(),
		filepath.Join(c.StateDir(), "batches"),
		c.StagingDir(),
		c.TempDir(),
		c.ModelsDir(),
		c.ThumbnailsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// WorkerCount derives the parallel worker count from the CPU usage mode,
// clamped to [1, NumCPU].
func (p *ParallelConfig) WorkerCount() int {
	cpus := runtime.NumCPU()
	if cpus < 1 {
		cpus = 4
	}

	var workers int
	switch strings.ToLower(p.Mode) {
	case "adaptive":
		// Use roughly two thirds of the cores.
		workers = cpus * 2 / 3
		if workers < 2 {
			workers = 2
		}
	case "low":
		workers = 2
	case "balanced":
		workers = 4
	case "high":
		workers = cpus - 1
		if workers < 4 {
			workers = 4
		}
	case "custom":
		workers = p.MaxWorkers
	default:
		workers = 4
	}

	if workers < 1 {
		workers = 1
	}
	if workers > cpus {
		workers = cpus
	}
	return workers
}

// UsageWarning returns a human-readable warning when the configured worker
// count will keep most cores busy, or "" when usage is comfortable.
func (p *ParallelConfig) UsageWarning() string {
	cpus := runtime.NumCPU()
	if cpus < 1 {
		cpus = 4
	}
	workers := p.WorkerCount()
	percent := workers * 100 / cpus

	switch {
	case percent >= 85:
		return fmt.Sprintf("HIGH CPU USAGE: %d workers on %d cores (~%d%% CPU). System may become sluggish.", workers, cpus, percent)
	case percent >= 70:
		return fmt.Sprintf("MODERATE CPU USAGE: %d workers on %d cores (~%d%% CPU). System will be slightly slower.", workers, cpus, percent)
	default:
		return ""
	}
}
