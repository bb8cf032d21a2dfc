package monitor

import (
	"net/http"
	"os"
	"path/filepath"
)

// assetHandler serves files from dir by base name only
type assetHandler struct {
	dir string
}

func newAssetHandler(dir string) *assetHandler {
	return &assetHandler{dir: dir}
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.dir == "" {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(h.dir, filepath.Base(r.URL.Path))
	if !fileExists(path) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

// indexPath returns dir/index.html when it exists
func (h *assetHandler) indexPath() (string, bool) {
	if h.dir == "" {
		return "", false
	}
	path := filepath.Join(h.dir, "index.html")
	return path, fileExists(path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
