package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kozaktomas/facesift/internal/config"
)

type folderEntry struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	ImageCount int    `json:"image_count"`
}

// BrowseFolders lists subdirectories of the given path together with
// how many supported images each contains directly. Used by the
// operator UI to pick source and output roots.
func (h *Handler) BrowseFolders(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("path")
	if root == "" {
		root = string(os.PathSeparator)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, "cannot read directory "+root)
		return
	}

	var folders []folderEntry
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(root, e.Name())
		folders = append(folders, folderEntry{
			Name:       e.Name(),
			Path:       full,
			ImageCount: countImages(full),
		})
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })

	respondJSON(w, http.StatusOK, map[string]any{
		"path":    root,
		"folders": folders,
	})
}

// ImagesInFolder lists supported images directly inside a folder, for
// the explicit image picker.
func (h *Handler) ImagesInFolder(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, "path query parameter is required")
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrConfigInvalid, "cannot read directory "+dir)
		return
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if config.SupportedExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			images = append(images, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(images)

	respondJSON(w, http.StatusOK, map[string]any{
		"path":   dir,
		"images": images,
	})
}

func countImages(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if config.SupportedExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			count++
		}
	}
	return count
}
