// Package pathutil normalizes and validates user-supplied paths, site names,
// and repo identifiers before they touch the filesystem or the database.
package pathutil

import "strings"

// SanitizePath normalizes a request path into a relative, slash-separated
// path with no traversal segments. Leading slashes are stripped, empty and
// "." segments are dropped, and ".." segments are filtered out (not
// resolved). Segments containing NUL bytes are dropped as well.
func SanitizePath(p string) string {
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return ""
	}
	segs := strings.Split(p, "/")
	out := segs[:0]
	for _, s := range segs {
		switch {
		case s == "", s == ".", s == "..":
			continue
		case strings.ContainsRune(s, 0):
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, "/")
}

// ValidSiteName reports whether name is safe to use as a site record key
// and as a path component under the cache root. Names are 1..512 bytes of
// the record-key charset and may not be "." or "..".
func ValidSiteName(name string) bool {
	if name == "" || len(name) > 512 {
		return false
	}
	if name == "." || name == ".." {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '~' || c == ':' || c == '-':
		default:
			return false
		}
	}
	return true
}

// ValidIdentifier reports whether s looks like a resolvable repo identifier
// (a DID or a handle). Full validation happens during resolution; this only
// rejects values that could never be one.
func ValidIdentifier(s string) bool {
	if len(s) < 3 {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	return !strings.ContainsRune(s, 0)
}
