package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kozaktomas/facesift/internal/config"
	"github.com/kozaktomas/facesift/internal/database"
	"github.com/kozaktomas/facesift/internal/faceengine"
)

// Error type strings used in the error envelope.
const (
	ErrConfigMissing = "ConfigMissing"
	ErrConfigInvalid = "ConfigInvalid"
	ErrSeedRejected  = "SeedRejected"
	ErrNotFound      = "NotFound"
	ErrConflict      = "Conflict"
	ErrInternal      = "Internal"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// Handler carries the dependencies shared by all endpoints.
type Handler struct {
	cfg   *config.Config
	pool  *database.Pool
	faces faceengine.Engine
}

// New creates the handler set.
func New(cfg *config.Config, pool *database.Pool, faces faceengine.Engine) *Handler {
	return &Handler{cfg: cfg, pool: pool, faces: faces}
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// respondError sends the structured error envelope.
func respondError(w http.ResponseWriter, status int, errType, message string) {
	respondJSON(w, status, errorEnvelope{
		Success: false,
		Error:   errorBody{Type: errType, Message: message},
	})
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
