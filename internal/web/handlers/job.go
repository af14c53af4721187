package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kozaktomas/facesift/internal/config"
	"github.com/kozaktomas/facesift/internal/database"
)

type jobConfigPayload struct {
	SourceRoot         string   `json:"source_root"`
	OutputRoot         string   `json:"output_root"`
	SelectedPersonIDs  []int64  `json:"selected_person_ids,omitempty"`
	SelectedImagePaths []string `json:"selected_image_paths,omitempty"`
	GroupMode          bool     `json:"group_mode"`
	GroupFolderName    string   `json:"group_folder_name,omitempty"`
}

// GetJobConfig returns the current operator configuration.
func (h *Handler) GetJobConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.pool.GetJobConfig(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, jobConfigPayload{
		SourceRoot:         cfg.SourceRoot,
		OutputRoot:         cfg.OutputRoot,
		SelectedPersonIDs:  cfg.SelectedPersonIDs,
		SelectedImagePaths: cfg.SelectedImagePaths,
		GroupMode:          cfg.GroupMode,
		GroupFolderName:    cfg.GroupFolderName,
	})
}

// SetJobConfig validates and persists the operator configuration.
func (h *Handler) SetJobConfig(w http.ResponseWriter, r *http.Request) {
	var payload jobConfigPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusUnprocessableEntity, ErrConfigInvalid, errInvalidRequestBody)
		return
	}

	if payload.SourceRoot == "" || payload.OutputRoot == "" {
		respondError(w, http.StatusBadRequest, ErrConfigMissing, "source_root and output_root are required")
		return
	}
	if msg := validateJobConfig(&payload); msg != "" {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, msg)
		return
	}
	if payload.GroupMode && payload.GroupFolderName == "" {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, "group mode requires group_folder_name")
		return
	}

	status, err := h.pool.GetJobStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	if status == database.JobStatusRunning || status == database.JobStatusTerminating {
		respondError(w, http.StatusConflict, ErrConflict, "cannot change configuration while a job is "+status)
		return
	}

	err = h.pool.SaveJobConfig(r.Context(), &database.JobConfig{
		SourceRoot:         payload.SourceRoot,
		OutputRoot:         payload.OutputRoot,
		SelectedPersonIDs:  payload.SelectedPersonIDs,
		SelectedImagePaths: payload.SelectedImagePaths,
		GroupMode:          payload.GroupMode,
		GroupFolderName:    payload.GroupFolderName,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func validateJobConfig(p *jobConfigPayload) string {
	src, err := os.Stat(p.SourceRoot)
	if err != nil || !src.IsDir() {
		return "source_root is not a readable directory"
	}
	out, err := os.Stat(p.OutputRoot)
	if err != nil || !out.IsDir() {
		return "output_root is not a readable directory"
	}
	for _, path := range p.SelectedImagePaths {
		rel, err := filepath.Rel(p.SourceRoot, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return "selected image " + path + " is outside source_root"
		}
		if !config.SupportedExtensions[strings.ToLower(filepath.Ext(path))] {
			return "selected image " + path + " has an unsupported extension"
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return "selected image " + path + " is not a readable file"
		}
	}
	return ""
}

// JobStatus returns the current job status plus whether a new job could
// start right now and, if not, why.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.pool.GetJobStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	msg := h.startBlocker(r, status)
	respondJSON(w, http.StatusOK, map[string]any{
		"job_status": status,
		"can_start":  msg == "",
		"message":    msg,
	})
}

// startBlocker returns "" when a job can start, otherwise the reason it
// cannot.
func (h *Handler) startBlocker(r *http.Request, status string) string {
	if status == database.JobStatusRunning || status == database.JobStatusTerminating {
		return "a job is already " + status
	}

	cfg, err := h.pool.GetJobConfig(r.Context())
	if err != nil {
		return err.Error()
	}
	if !cfg.Configured() {
		return "set source_root and output_root before starting"
	}
	if src, err := os.Stat(cfg.SourceRoot); err != nil || !src.IsDir() {
		return "source_root is not a readable directory"
	}
	if out, err := os.Stat(cfg.OutputRoot); err != nil || !out.IsDir() {
		return "output_root is not a readable directory"
	}

	persons, err := h.pool.AllPersons(r.Context())
	if err != nil {
		return err.Error()
	}
	if len(persons) == 0 {
		return "seed at least one person before starting"
	}
	return ""
}

// StartJob flips the job status to running; the worker picks it up on
// its next poll.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.pool.GetJobConfig(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	if !cfg.Configured() {
		respondError(w, http.StatusBadRequest, ErrConfigMissing, "set source_root and output_root before starting")
		return
	}

	status, err := h.pool.GetJobStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	if status == database.JobStatusRunning || status == database.JobStatusTerminating {
		respondError(w, http.StatusConflict, ErrConflict, "a job is already "+status)
		return
	}

	if msg := h.startBlocker(r, status); msg != "" {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, msg)
		return
	}

	if err := h.pool.SetJobStatus(r.Context(), database.JobStatusRunning); err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"job_status": database.JobStatusRunning})
}

// StopJob requests a soft stop, honored at the next batch boundary.
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	h.setStatusFromRunning(w, r, database.JobStatusStopped)
}

// TerminateJob requests a fine-grained stop, honored between terminate
// chunks; in-flight commits run to completion.
func (h *Handler) TerminateJob(w http.ResponseWriter, r *http.Request) {
	h.setStatusFromRunning(w, r, database.JobStatusTerminating)
}

func (h *Handler) setStatusFromRunning(w http.ResponseWriter, r *http.Request, target string) {
	status, err := h.pool.GetJobStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	if status != database.JobStatusRunning {
		respondError(w, http.StatusConflict, ErrConflict, "no running job (status is "+status+")")
		return
	}

	if err := h.pool.SetJobStatus(r.Context(), target); err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"job_status": target})
}
