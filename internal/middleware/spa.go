package middleware

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// SPAHandler serves the browser terminal client. Unknown paths fall back to
// index.html so client-side routes survive a reload.
type SPAHandler struct {
	fsys      fs.FS
	indexHTML []byte
}

func NewSPAHandler(fsys fs.FS) *SPAHandler {
	index, _ := fs.ReadFile(fsys, "index.html")
	return &SPAHandler{fsys: fsys, indexHTML: index}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}
	if isServerPath(r.URL.Path) {
		http.NotFound(w, r)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name != "" && name != "index.html" {
		if info, err := fs.Stat(h.fsys, name); err == nil && !info.IsDir() {
			http.ServeFileFS(w, r, h.fsys, name)
			return
		}
	}

	if h.indexHTML == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(h.indexHTML)
}

// isServerPath reports whether path belongs to the API rather than the client.
func isServerPath(p string) bool {
	return strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/ws/") || p == "/health"
}
