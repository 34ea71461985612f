// Package mimetype classifies MIME types for compression decisions, shared
// by the site store (what to keep gzipped on disk) and the serve path (what
// to advertise as Content-Encoding: gzip).
package mimetype

import "strings"

var compressible = map[string]bool{
	"text/html":                true,
	"text/css":                 true,
	"text/javascript":          true,
	"application/javascript":   true,
	"application/x-javascript": true,
	"text/xml":                 true,
	"application/xml":          true,
	"application/json":         true,
	"text/plain":               true,
	"image/svg+xml":            true,
}

// normalize strips parameters ("text/html; charset=utf-8" → "text/html").
func normalize(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Compressible reports whether content of this type benefits from gzip on
// the wire.
func Compressible(ct string) bool {
	return compressible[normalize(ct)]
}

// AlreadyCompressed reports whether content of this type carries its own
// compression and must never be re-compressed.
func AlreadyCompressed(ct string) bool {
	ct = normalize(ct)
	switch {
	case strings.HasPrefix(ct, "video/"), strings.HasPrefix(ct, "audio/"):
		return true
	case strings.HasPrefix(ct, "image/"):
		return ct != "image/svg+xml"
	}
	switch ct {
	case "application/pdf", "application/zip", "application/gzip":
		return true
	}
	return false
}

// IsHTML reports whether the type is an HTML document, the one class that
// is eligible for prefix rewriting.
func IsHTML(ct string) bool {
	return normalize(ct) == "text/html"
}
