// Package assets serves the host page and the frame shim embedded via go:embed.
// The shim is the browser half of the frame API: it relays postMessage
// traffic between the editor frame and the gateway.
package assets

import (
	"embed"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"
)

//go:embed all:static
var staticFS embed.FS

// IndexFile is the host page served at the site root.
const IndexFile = "index.html"

func init() {
	// Errors are ignored: these only fail if extension format is invalid,
	// and our literals are known-good.
	_ = mime.AddExtensionType(".map", "application/json")
}

// mimeFromExt returns the MIME type for a file extension.
// Falls back to the Go standard library's MIME type database,
// then to "application/octet-stream" if unknown.
func mimeFromExt(ext string) string {
	switch ext {
	case ".js", ".mjs":
		return "application/javascript"
	case ".css":
		return "text/css; charset=utf-8"
	case ".html":
		return "text/html; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	case ".map":
		return "application/json"
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
		return "application/octet-stream"
	}
}

// FS returns the embedded static files rooted at static/.
func FS() fs.FS {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic("assets: failed to create sub filesystem: " + err.Error())
	}
	return sub
}

// FileServer returns an http.Handler that serves the embedded files.
// Nothing is content-hashed, so every response is revalidated.
// The handler expects paths relative to the static root (strip /static/ before calling).
func FileServer() http.Handler {
	fileServer := http.FileServer(http.FS(FS()))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ext := strings.ToLower(path.Ext(r.URL.Path))
		if ext != "" {
			w.Header().Set("Content-Type", mimeFromExt(ext))
		}
		w.Header().Set("Cache-Control", "no-cache")
		fileServer.ServeHTTP(w, r)
	})
}

// IndexHandler serves the host page.
func IndexHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := fs.ReadFile(FS(), IndexFile)
		if err != nil {
			http.Error(w, "host page missing", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", mimeFromExt(".html"))
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})
}
