package handlers

import (
	"net/http"

	"github.com/kozaktomas/facesift/internal/state"
)

// recentBatchLimit caps how many batch snapshots the tracker response
// carries.
const recentBatchLimit = 20

type progressResponse struct {
	*state.Progress
	RecentBatches []state.BatchSnapshot `json:"recent_batches"`
}

// Progress serves the latest progress snapshot plus the most recent
// batch states. A missing snapshot yields an empty structure so the
// tracker works before the first run.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	p, err := state.ReadProgress(h.cfg.StateDir())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	batches, err := state.ReadBatches(h.cfg.StateDir(), recentBatchLimit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	if batches == nil {
		batches = []state.BatchSnapshot{}
	}

	respondJSON(w, http.StatusOK, progressResponse{Progress: p, RecentBatches: batches})
}

// WorkerStatus reports whether the worker heartbeat is fresh.
func (h *Handler) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	ws, err := state.ReadWorkerStatus(h.cfg.StateDir())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ws)
}
