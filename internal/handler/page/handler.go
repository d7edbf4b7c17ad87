// Package page serves the web client's static files.
package page

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/luma-therapy/luma/backend/pkg/utils"
)

// Handler serves files from a directory, falling back to index.html for
// paths that do not name a file so client-side routes load the app.
type Handler struct {
	root  fs.FS
	files http.Handler
}

// New serves dir. An empty dir serves nothing.
func New(dir string) *Handler {
	if dir == "" {
		return &Handler{}
	}
	root := os.DirFS(dir)
	return &Handler{root: root, files: http.FileServer(http.FS(root))}
}

// NewFS serves an arbitrary file system.
func NewFS(root fs.FS) *Handler {
	return &Handler{root: root, files: http.FileServer(http.FS(root))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.root == nil {
		utils.RespondError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		utils.RespondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name != "" {
		if info, err := fs.Stat(h.root, name); err == nil && !info.IsDir() {
			h.files.ServeHTTP(w, r)
			return
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			utils.RespondError(w, http.StatusInternalServerError, "failed to read file")
			return
		}
	}

	index, err := fs.ReadFile(h.root, "index.html")
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(index)
	}
}
