package server

import (
	"net/http"
	"path"
	"regexp"
)

// hashedAssetPattern matches a webpack-style hashed build artifact:
// name-hash.ext, where hash is 8+ alphanumeric characters, e.g.
// "main-0f8a1b2c.js" or "app-a1B2c3D4e5F6.css".
var hashedAssetPattern = regexp.MustCompile(`^\w+-[0-9a-zA-Z]{8,}\.\w+$`)

// NewStaticHandler serves the UI bundle from dir. Files matching
// hashedAssetPattern are cacheable forever; everything else (notably
// index.html) must always be revalidated so a deploy is visible
// immediately, per spec.md 6's caching-header contract.
func NewStaticHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHashedAsset(r.URL.Path) {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		} else {
			w.Header().Set("Cache-Control", "no-cache")
		}
		fs.ServeHTTP(w, r)
	})
}

// isHashedAsset reports whether path's base name matches hashedAssetPattern.
func isHashedAsset(p string) bool {
	return hashedAssetPattern.MatchString(path.Base(p))
}
