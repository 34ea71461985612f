package serve

import (
	"bytes"
	"net/http"
	"regexp"
	"strings"

	"github.com/WaveringAna/wisp-edge/internal/cache"
	"github.com/WaveringAna/wisp-edge/internal/metrics"
)

const (
	maxHintScanBytes = 16 << 10 // scan first 16KB for <head> resources
	maxHints         = 10
)

var (
	// Match <link> tags with rel="stylesheet" (either attribute order).
	linkRelFirstRe  = regexp.MustCompile(`(?i)<link[^>]*\brel=["']stylesheet["'][^>]*\bhref=["']([^"']+)["']`)
	linkHrefFirstRe = regexp.MustCompile(`(?i)<link[^>]*\bhref=["']([^"']+)["'][^>]*\brel=["']stylesheet["']`)
	// Match <script> tags with a src attribute.
	scriptSrcRe = regexp.MustCompile(`(?i)<script[^>]*\bsrc=["']([^"']+)["']`)
)

// extractHints scans the <head> of an HTML document for stylesheets and
// scripts that can be sent as 103 Early Hints.
func extractHints(doc []byte) []string {
	head := doc
	if len(head) > maxHintScanBytes {
		head = head[:maxHintScanBytes]
	}
	// Only scan up to </head> to avoid picking up body resources.
	if idx := bytes.Index(bytes.ToLower(head), []byte("</head>")); idx >= 0 {
		head = head[:idx]
	}

	seen := make(map[string]bool)
	var hints []string
	add := func(url, as string) {
		if len(hints) >= maxHints || seen[url] || !isSameOrigin(url) {
			return
		}
		seen[url] = true
		hints = append(hints, "<"+url+">; rel=preload; as="+as)
	}

	for _, m := range linkRelFirstRe.FindAllSubmatch(head, -1) {
		add(string(m[1]), "style")
	}
	for _, m := range linkHrefFirstRe.FindAllSubmatch(head, -1) {
		add(string(m[1]), "style")
	}
	for _, m := range scriptSrcRe.FindAllSubmatch(head, -1) {
		add(string(m[1]), "script")
	}

	return hints
}

// isSameOrigin reports whether a URL refers to the same origin
// (absolute path, or relative, not external or data: URIs).
func isSameOrigin(url string) bool {
	if url == "" || strings.HasPrefix(url, "//") || strings.Contains(url, "://") || strings.HasPrefix(url, "data:") {
		return false
	}
	return true
}

// sendEarlyHints sends a 103 Early Hints response with Link preload
// headers for the document's <head> resources. plain produces the
// uncompressed document and is only called on a hint-cache miss.
func (h *Handler) sendEarlyHints(w http.ResponseWriter, did, site, rel string, plain func() []byte) {
	hints := h.loadHints(did, site, rel, plain)
	if len(hints) == 0 {
		return
	}
	for _, hint := range hints {
		w.Header().Add("Link", hint)
	}
	w.WriteHeader(http.StatusEarlyHints)
}

func (h *Handler) loadHints(did, site, rel string, plain func() []byte) []string {
	if h.opts.Hints == nil {
		return extractHints(plain())
	}
	key := cache.Key(did, site, rel)
	if hints, _, cached := h.opts.Hints.Get(key); cached {
		metrics.CountCacheEvent("hints", true)
		return hints
	}
	metrics.CountCacheEvent("hints", false)
	hints := extractHints(plain())
	h.opts.Hints.Put(key, hints)
	return hints
}
