// Package state publishes the observer plane: JSON snapshots the
// tracker UI reads without touching the catalog. Every file is written
// via temp + rename so a reader never sees a torn snapshot.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kozaktomas/facesift/internal/storage"
)

// Progress is the contents of progress.json.
type Progress struct {
	JobStatus        string  `json:"job_status"`
	TotalImages      int     `json:"total_images"`
	ProcessedImages  int     `json:"processed_images"`
	Percent          float64 `json:"percent"`
	TotalBatches     int     `json:"total_batches"`
	CommittedBatches int     `json:"committed_batches"`
	CurrentBatchID   int64   `json:"current_batch_id,omitempty"`
	CurrentBatch     string  `json:"current_batch_state,omitempty"`
	CurrentImage     string  `json:"current_image,omitempty"`
	LastCommitted    string  `json:"last_committed_image,omitempty"`
	LastPerson       string  `json:"last_committed_person,omitempty"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	EstimatedSeconds float64 `json:"estimated_remaining_seconds"`
	ImagesPerSecond  float64 `json:"images_per_second"`
	UpdatedAt        string  `json:"updated_at"`
}

// Heartbeat is the contents of worker_heartbeat.json.
type Heartbeat struct {
	Timestamp     string `json:"timestamp"`
	PID           int    `json:"pid"`
	CurrentStatus string `json:"current_status"`
}

// BatchSnapshot mirrors one batch row for the tracker.
type BatchSnapshot struct {
	BatchID   int64  `json:"batch_id"`
	State     string `json:"state"`
	StartIdx  int    `json:"start_idx"`
	EndIdx    int    `json:"end_idx"`
	UpdatedAt string `json:"updated_at"`
}

// heartbeatOnlineWindow is how fresh a heartbeat must be for the worker
// to count as online.
const heartbeatOnlineWindow = 10 * time.Second

// Writer publishes snapshots under a state directory.
type Writer struct {
	dir string
}

// NewWriter builds a writer rooted at dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(dir, "batches"), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// WriteProgress publishes progress.json.
func (w *Writer) WriteProgress(p *Progress) error {
	p.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return w.writeJSON(filepath.Join(w.dir, "progress.json"), p)
}

// WriteHeartbeat publishes worker_heartbeat.json with the current time
// and pid.
func (w *Writer) WriteHeartbeat(status string) error {
	hb := Heartbeat{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		PID:           os.Getpid(),
		CurrentStatus: status,
	}
	return w.writeJSON(filepath.Join(w.dir, "worker_heartbeat.json"), &hb)
}

// WriteBatch publishes one batch snapshot under batches/.
func (w *Writer) WriteBatch(b *BatchSnapshot) error {
	b.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	name := fmt.Sprintf("batch_%d.json", b.BatchID)
	return w.writeJSON(filepath.Join(w.dir, "batches", name), b)
}

// ClearBatches removes all batch snapshots, called when a new job
// starts.
func (w *Writer) ClearBatches() error {
	dir := filepath.Join(w.dir, "batches")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read batch states: %w", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func (w *Writer) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return storage.WriteFileAtomic(path, data, 0o644)
}

// ReadProgress loads progress.json. A missing file yields an empty
// snapshot, not an error, so the tracker stays usable before the first
// run.
func ReadProgress(dir string) (*Progress, error) {
	var p Progress
	ok, err := readJSON(filepath.Join(dir, "progress.json"), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Progress{JobStatus: "configured"}, nil
	}
	return &p, nil
}

// WorkerStatus describes heartbeat freshness for the tracker.
type WorkerStatus struct {
	Online        bool    `json:"online"`
	PID           int     `json:"pid,omitempty"`
	CurrentStatus string  `json:"current_status,omitempty"`
	AgeSeconds    float64 `json:"heartbeat_age_seconds,omitempty"`
}

// ReadWorkerStatus loads the heartbeat and reports whether the worker
// is online. Missing or stale heartbeats mean offline.
func ReadWorkerStatus(dir string) (*WorkerStatus, error) {
	var hb Heartbeat
	ok, err := readJSON(filepath.Join(dir, "worker_heartbeat.json"), &hb)
	if err != nil || !ok {
		return &WorkerStatus{Online: false}, err
	}

	ts, err := time.Parse(time.RFC3339, hb.Timestamp)
	if err != nil {
		return &WorkerStatus{Online: false}, nil
	}
	age := time.Since(ts)
	return &WorkerStatus{
		Online:        age < heartbeatOnlineWindow,
		PID:           hb.PID,
		CurrentStatus: hb.CurrentStatus,
		AgeSeconds:    age.Seconds(),
	}, nil
}

// ReadBatches loads the per-batch snapshots, newest batch first, capped
// at limit. Unreadable files are skipped.
func ReadBatches(dir string, limit int) ([]BatchSnapshot, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "batches"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read batch snapshots: %w", err)
	}

	var batches []BatchSnapshot
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var b BatchSnapshot
		ok, err := readJSON(filepath.Join(dir, "batches", e.Name()), &b)
		if err != nil || !ok {
			continue
		}
		batches = append(batches, b)
	}

	sort.Slice(batches, func(i, j int) bool { return batches[i].BatchID > batches[j].BatchID })
	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		// Torn writes cannot happen with rename, but a truncated disk
		// still deserves a soft failure.
		return false, nil
	}
	return true, nil
}
