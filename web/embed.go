// Package web embeds the built chat frontend and serves it as a single-page app.
//
// The repository ships a placeholder index.html; frontend builds overwrite dist/.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// SPAHandler serves files from dist/. Paths that name no file get index.html so
// client-side routes such as /conversations/{id} load the app.
func SPAHandler() http.Handler {
	root, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: dist sub filesystem: " + err.Error())
	}
	files := http.FileServer(http.FS(root))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" || !exists(root, name) {
			w.Header().Set("Cache-Control", "no-cache")
			r.URL.Path = "/"
		} else if strings.HasPrefix(name, "assets/") {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		}
		files.ServeHTTP(w, r)
	})
}

func exists(root fs.FS, name string) bool {
	info, err := fs.Stat(root, name)
	return err == nil && !info.IsDir()
}
