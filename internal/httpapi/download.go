package httpapi

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

// download serves one file out of GeneratedFilesDir by basename, rejecting
// any path-traversal attempt in the requested filename.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(chi.URLParam(r, "filename"))
	if filename == "." || filename == string(filepath.Separator) {
		writeBadRequest(w, "invalid filename")
		return
	}
	http.ServeFile(w, r, filepath.Join(s.GeneratedFilesDir, filename))
}
