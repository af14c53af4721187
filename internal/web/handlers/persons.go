package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/facesift/internal/compress"
	"github.com/kozaktomas/facesift/internal/database"
	"github.com/kozaktomas/facesift/internal/faceengine"
	"github.com/kozaktomas/facesift/internal/storage"
)

// maxPortraitBytes caps reference portrait uploads.
const maxPortraitBytes = 32 << 20

type personView struct {
	PersonID        int64  `json:"person_id"`
	Name            string `json:"name"`
	OutputFolderRel string `json:"output_folder_rel"`
	EmbeddingCount  int    `json:"embedding_count"`
	CreatedAt       string `json:"created_at"`
}

// ListPersons returns the registry.
func (h *Handler) ListPersons(w http.ResponseWriter, r *http.Request) {
	persons, err := h.pool.AllPersons(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	views := make([]personView, 0, len(persons))
	for _, p := range persons {
		views = append(views, personView{
			PersonID:        p.ID,
			Name:            p.Name,
			OutputFolderRel: p.OutputFolderRel,
			EmbeddingCount:  p.EmbeddingCount,
			CreatedAt:       p.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"persons": views})
}

// SeedPerson creates a person from a name and a reference portrait that
// must contain exactly one face.
func (h *Handler) SeedPerson(w http.ResponseWriter, r *http.Request) {
	name, data, ok := h.readPortraitForm(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(name) == "" {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, "name is required")
		return
	}

	face, ok := h.requireSingleFace(w, r, data)
	if !ok {
		return
	}

	folder := storage.SanitizeFolderName(name)
	personID, err := h.pool.CreatePerson(r.Context(), name, folder)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	if _, err := h.pool.AddEmbedding(r.Context(), personID, face.Embedding,
		database.SourceReference, h.cfg.Matching.MaxEmbeddingsPerPerson); err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	h.saveThumbnail(personID, data, face.BBox)

	respondJSON(w, http.StatusCreated, map[string]any{
		"person_id":         personID,
		"name":              name,
		"output_folder_rel": folder,
	})
}

// AddReference appends another reference portrait to an existing person.
func (h *Handler) AddReference(w http.ResponseWriter, r *http.Request) {
	personID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, "invalid person id")
		return
	}

	if _, err := h.pool.GetPerson(r.Context(), personID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrNotFound, "person not found")
			return
		}
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	_, data, ok := h.readPortraitForm(w, r)
	if !ok {
		return
	}
	face, ok := h.requireSingleFace(w, r, data)
	if !ok {
		return
	}

	if _, err := h.pool.AddEmbedding(r.Context(), personID, face.Embedding,
		database.SourceReference, h.cfg.Matching.MaxEmbeddingsPerPerson); err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"person_id": personID})
}

// DeletePerson removes a person, their embeddings, centroid and
// thumbnail.
func (h *Handler) DeletePerson(w http.ResponseWriter, r *http.Request) {
	personID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, "invalid person id")
		return
	}

	if err := h.pool.DeletePerson(r.Context(), personID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrNotFound, "person not found")
			return
		}
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	os.Remove(h.thumbnailPath(personID))
	respondJSON(w, http.StatusOK, map[string]any{"person_id": personID})
}

// PersonThumbnail serves the cropped face thumbnail.
func (h *Handler) PersonThumbnail(w http.ResponseWriter, r *http.Request) {
	personID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, "invalid person id")
		return
	}

	path := h.thumbnailPath(personID)
	if _, err := os.Stat(path); err != nil {
		respondError(w, http.StatusNotFound, ErrNotFound, "thumbnail not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

func (h *Handler) thumbnailPath(personID int64) string {
	return filepath.Join(h.cfg.ThumbnailsDir(), fmt.Sprintf("%d.jpg", personID))
}

// readPortraitForm pulls name and file from a multipart form. On
// failure it has already written the error response.
func (h *Handler) readPortraitForm(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	if err := r.ParseMultipartForm(maxPortraitBytes); err != nil {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, "invalid multipart form")
		return "", nil, false
	}

	name := r.FormValue("name")

	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, "missing portrait file")
		return "", nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxPortraitBytes))
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return "", nil, false
	}
	return name, data, true
}

// requireSingleFace rejects portraits with zero or multiple faces.
func (h *Handler) requireSingleFace(w http.ResponseWriter, r *http.Request, data []byte) (faceengine.Face, bool) {
	faces, err := h.faces.DetectFaces(r.Context(), data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrInternal, err.Error())
		return faceengine.Face{}, false
	}
	if len(faces) == 0 {
		respondError(w, http.StatusUnprocessableEntity, ErrSeedRejected, "no face detected in portrait")
		return faceengine.Face{}, false
	}
	if len(faces) > 1 {
		respondError(w, http.StatusUnprocessableEntity, ErrSeedRejected,
			fmt.Sprintf("portrait contains %d faces, expected exactly one", len(faces)))
		return faceengine.Face{}, false
	}
	return faces[0], true
}

// saveThumbnail stores a face crop for the registry UI. Failures are
// tolerated; the thumbnail is cosmetic.
func (h *Handler) saveThumbnail(personID int64, data []byte, bbox []float64) {
	crop, err := compress.CropFace(data, bbox, h.cfg.Output.JPEGQuality)
	if err != nil {
		return
	}
	_ = storage.WriteFileAtomic(h.thumbnailPath(personID), crop, 0o644)
}
