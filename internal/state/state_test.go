package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestProgressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if err := w.WriteProgress(&Progress{
		JobStatus:       "running",
		TotalImages:     100,
		ProcessedImages: 25,
		Percent:         25,
	}); err != nil {
		t.Fatalf("write progress: %v", err)
	}

	p, err := ReadProgress(dir)
	if err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if p.JobStatus != "running" || p.ProcessedImages != 25 {
		t.Errorf("unexpected progress: %+v", p)
	}
	if p.UpdatedAt == "" {
		t.Error("updated_at not stamped")
	}
	if _, err := os.Stat(filepath.Join(dir, "progress.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestReadProgressMissingFile(t *testing.T) {
	p, err := ReadProgress(t.TempDir())
	if err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if p.JobStatus != "configured" || p.TotalImages != 0 {
		t.Errorf("missing snapshot should yield empty structure: %+v", p)
	}
}

func TestWorkerStatusFreshHeartbeat(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if err := w.WriteHeartbeat("running"); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	ws, err := ReadWorkerStatus(dir)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !ws.Online {
		t.Error("fresh heartbeat should report online")
	}
	if ws.PID != os.Getpid() {
		t.Errorf("pid %d, want %d", ws.PID, os.Getpid())
	}
	if ws.CurrentStatus != "running" {
		t.Errorf("status %q", ws.CurrentStatus)
	}
}

func TestWorkerStatusStaleHeartbeat(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewWriter(dir); err != nil {
		t.Fatalf("new writer: %v", err)
	}

	stale := Heartbeat{
		Timestamp:     time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		PID:           123,
		CurrentStatus: "running",
	}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(dir, "worker_heartbeat.json"), data, 0o644); err != nil {
		t.Fatalf("write stale heartbeat: %v", err)
	}

	ws, err := ReadWorkerStatus(dir)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if ws.Online {
		t.Error("minute-old heartbeat should report offline")
	}
}

func TestWorkerStatusMissingHeartbeat(t *testing.T) {
	ws, err := ReadWorkerStatus(t.TempDir())
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if ws.Online {
		t.Error("missing heartbeat should report offline")
	}
}

func TestReadBatchesNewestFirst(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	for i := int64(1); i <= 5; i++ {
		if err := w.WriteBatch(&BatchSnapshot{BatchID: i, State: "COMMITTED"}); err != nil {
			t.Fatalf("write batch %d: %v", i, err)
		}
	}

	batches, err := ReadBatches(dir, 3)
	if err != nil {
		t.Fatalf("read batches: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if batches[0].BatchID != 5 || batches[2].BatchID != 3 {
		t.Errorf("expected newest first, got %d..%d", batches[0].BatchID, batches[2].BatchID)
	}
}

func TestReadBatchesMissingDir(t *testing.T) {
	batches, err := ReadBatches(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("read batches: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("expected no batches, got %d", len(batches))
	}
}

func TestBatchSnapshotsAndClear(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		if err := w.WriteBatch(&BatchSnapshot{BatchID: i, State: "PENDING"}); err != nil {
			t.Fatalf("write batch %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "batches"))
	if err != nil {
		t.Fatalf("read batches dir: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(entries))
	}

	if err := w.ClearBatches(); err != nil {
		t.Fatalf("clear batches: %v", err)
	}
	entries, err = os.ReadDir(filepath.Join(dir, "batches"))
	if err != nil {
		t.Fatalf("read batches dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected cleared dir, got %d entries", len(entries))
	}
}
