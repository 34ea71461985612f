// Package rewrite rebases URL attributes inside HTML so a site served under
// a path prefix (e.g. /<identifier>/<site>/) keeps its absolute-path
// references working.
//
// This is deliberately regex-based rather than a full HTML parse: the
// patterns bound whitespace runs to five characters so backtracking stays
// predictable on hostile input, trading precision for latency.
package rewrite

import (
	"regexp"
	"strings"
)

// Attributes whose values are rewritten.
var (
	dquoteAttr = regexp.MustCompile(`(?i)(src|href|action|data|poster)(\s{0,5}=\s{0,5})"([^"]*)"`)
	squoteAttr = regexp.MustCompile(`(?i)(src|href|action|data|poster)(\s{0,5}=\s{0,5})'([^']*)'`)
	dquoteSet  = regexp.MustCompile(`(?i)(srcset)(\s{0,5}=\s{0,5})"([^"]*)"`)
	squoteSet  = regexp.MustCompile(`(?i)(srcset)(\s{0,5}=\s{0,5})'([^']*)'`)

	schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
)

// Rewrite rebases URL attributes in doc. docPath is the site-relative path
// of the document (used to resolve relative references), base the serving
// prefix (e.g. "/did:plc:x/blog"). Input and output are uncompressed bytes.
func Rewrite(doc []byte, docPath, base string) []byte {
	base = strings.TrimSuffix(base, "/")
	docDir := ""
	if i := strings.LastIndex(docPath, "/"); i >= 0 {
		docDir = docPath[:i]
	}

	s := string(doc)
	single := func(val string) string { return rewriteURL(val, docDir, base) }
	set := func(val string) string { return rewriteSrcset(val, docDir, base) }
	s = replaceAttr(dquoteAttr, s, `"`, single)
	s = replaceAttr(squoteAttr, s, `'`, single)
	s = replaceAttr(dquoteSet, s, `"`, set)
	s = replaceAttr(squoteSet, s, `'`, set)
	return []byte(s)
}

// replaceAttr runs re over s, rewriting the quoted attribute value of each
// match with fn.
func replaceAttr(re *regexp.Regexp, s, quote string, fn func(string) string) string {
	return re.ReplaceAllStringFunc(s, func(match string) string {
		m := re.FindStringSubmatch(match)
		return m[1] + m[2] + quote + fn(m[3]) + quote
	})
}

// rewriteSrcset rewrites each URL of a srcset value independently,
// preserving width/density descriptors.
func rewriteSrcset(val, docDir, base string) string {
	parts := strings.Split(val, ",")
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		url := trimmed
		desc := ""
		if j := strings.IndexAny(trimmed, " \t"); j >= 0 {
			url, desc = trimmed[:j], trimmed[j:]
		}
		parts[i] = rewriteURL(url, docDir, base) + desc
		if i > 0 {
			parts[i] = " " + parts[i]
		}
	}
	return strings.Join(parts, ",")
}

// rewriteURL rebases a single URL. External, protocol-relative, fragment,
// and scheme-prefixed URLs pass through untouched; "./" and "../" still
// count as relative despite the scheme-looking dot.
func rewriteURL(u, docDir, base string) string {
	if u == "" {
		return u
	}
	switch {
	case strings.HasPrefix(u, "http://"),
		strings.HasPrefix(u, "https://"),
		strings.HasPrefix(u, "//"),
		strings.HasPrefix(u, "#"):
		return u
	}
	if schemeRe.MatchString(u) && !strings.HasPrefix(u, "./") && !strings.HasPrefix(u, "../") {
		return u
	}

	// Split off query/fragment before path math.
	path := u
	suffix := ""
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path, suffix = path[:i], path[i:]
	}

	if strings.HasPrefix(path, "/") {
		return base + path + suffix
	}

	resolved := normalize(docDir + "/" + path)
	return base + "/" + resolved + suffix
}

// normalize collapses "." and ".." segments without ever escaping above the
// site root.
func normalize(p string) string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return strings.Join(out, "/")
}
