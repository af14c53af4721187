package config

import (
	"runtime"
	"testing"
)

func TestWorkerCountModes(t *testing.T) {
	cpus := runtime.NumCPU()

	cases := []struct {
		mode string
		max  int
	}{
		{"low", 0},
		{"balanced", 0},
		{"high", 0},
		{"adaptive", 0},
		{"custom", 3},
		{"custom", 1000},
		{"nonsense", 0},
	}
	for _, c := range cases {
		p := ParallelConfig{Mode: c.mode, MaxWorkers: c.max}
		got := p.WorkerCount()
		if got < 1 || got > cpus {
			t.Errorf("mode %q: worker count %d outside [1,%d]", c.mode, got, cpus)
		}
	}
}

func TestWorkerCountCustom(t *testing.T) {
	cpus := runtime.NumCPU()
	if cpus < 3 {
		t.Skip("needs at least 3 cpus")
	}
	p := ParallelConfig{Mode: "custom", MaxWorkers: 3}
	if got := p.WorkerCount(); got != 3 {
		t.Errorf("custom 3 on %d cpus: got %d", cpus, got)
	}
}

func TestWorkerCountLow(t *testing.T) {
	p := ParallelConfig{Mode: "low"}
	got := p.WorkerCount()
	if runtime.NumCPU() >= 2 && got != 2 {
		t.Errorf("low mode: got %d, want 2", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Matching.ThresholdStrict != 0.80 {
		t.Errorf("strict threshold %f", cfg.Matching.ThresholdStrict)
	}
	if cfg.Matching.ThresholdLoose != 1.00 {
		t.Errorf("loose threshold %f", cfg.Matching.ThresholdLoose)
	}
	if cfg.Matching.MaxEmbeddingsPerPerson != 30 {
		t.Errorf("max embeddings %d", cfg.Matching.MaxEmbeddingsPerPerson)
	}
	if cfg.Batch.Size != 50 {
		t.Errorf("batch size %d", cfg.Batch.Size)
	}
	if cfg.Batch.TerminateChunk != 10 {
		t.Errorf("terminate chunk %d", cfg.Batch.TerminateChunk)
	}
	if cfg.Output.MaxLongEdge != 2048 || cfg.Output.JPEGQuality != 85 {
		t.Errorf("output policy %+v", cfg.Output)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ATOMIC_BATCH_SIZE", "7")
	t.Setenv("THRESHOLD_STRICT", "0.5")

	cfg := Load()
	if cfg.Batch.Size != 7 {
		t.Errorf("batch size %d, want 7", cfg.Batch.Size)
	}
	if cfg.Matching.ThresholdStrict != 0.5 {
		t.Errorf("strict threshold %f, want 0.5", cfg.Matching.ThresholdStrict)
	}
}

func TestSupportedExtensions(t *testing.T) {
	for _, ext := range []string{".jpg", ".jpeg", ".arw"} {
		if !SupportedExtensions[ext] {
			t.Errorf("%s should be supported", ext)
		}
	}
	if SupportedExtensions[".png"] {
		t.Error(".png should not be supported")
	}
}
