// Package web serves the dashboard's static files. Everything except the
// login page and the assets it needs sits behind the session gate.
package web

import (
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// Middleware wraps a handler. The server passes api.AuthMiddleware.
type Middleware func(http.Handler) http.Handler

// blocked are path fragments that are never served, even if such files
// exist in the document root.
var blocked = []string{".env", ".git", "package.json", "docker-compose", "Dockerfile", "node_modules"}

// publicFiles and publicDirs are reachable without a session.
var (
	publicFiles = map[string]bool{
		"login.html":    true,
		"js/login.js":   true,
		"favicon.ico":   true,
		"manifest.json": true,
	}
	publicDirs = []string{"css/", "icons/"}
)

// cacheControl matches a one day browser cache for static assets.
const cacheControl = "public, max-age=86400"

// Handler returns an http.Handler that serves fsys (normally os.DirFS of
// the public directory). Unknown paths fall back to index.html so client
// side routes resolve. gate is applied to every non-public file; nil means
// no gate.
func Handler(fsys fs.FS, gate Middleware) (http.Handler, error) {
	indexBytes, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		return nil, fmt.Errorf("reading index.html: %w", err)
	}
	if gate == nil {
		gate = func(h http.Handler) http.Handler { return h }
	}

	static := http.FileServer(http.FS(fsys))

	serveIndex := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(indexBytes)
	}

	serve := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleanPath := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if cleanPath == "." || cleanPath == "" || cleanPath == "index.html" {
			serveIndex(w, r)
			return
		}
		info, err := fs.Stat(fsys, cleanPath)
		if err != nil || info.IsDir() {
			// Client side route (or a directory, which is never listed).
			serveIndex(w, r)
			return
		}
		w.Header().Set("Cache-Control", cacheControl)
		static.ServeHTTP(w, r)
	})
	gated := gate(serve)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		if isForbidden(r.URL.Path) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"Forbidden"}` + "\n"))
			return
		}
		if isPublic(r.URL.Path) {
			serve.ServeHTTP(w, r)
			return
		}
		gated.ServeHTTP(w, r)
	}), nil
}

// isForbidden reports whether p names a blocked file or any dotfile.
func isForbidden(p string) bool {
	for _, b := range blocked {
		if strings.Contains(p, b) {
			return true
		}
	}
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}

func isPublic(p string) bool {
	clean := strings.TrimPrefix(path.Clean(p), "/")
	if publicFiles[clean] {
		return true
	}
	for _, dir := range publicDirs {
		if strings.HasPrefix(clean, dir) {
			return true
		}
	}
	return false
}
