package serve

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/WaveringAna/wisp-edge/internal/cache"
	"github.com/WaveringAna/wisp-edge/internal/ingest"
	"github.com/WaveringAna/wisp-edge/internal/manifest"
	"github.com/WaveringAna/wisp-edge/internal/metrics"
	"github.com/WaveringAna/wisp-edge/internal/mimetype"
	"github.com/WaveringAna/wisp-edge/internal/pathutil"
	"github.com/WaveringAna/wisp-edge/internal/redirects"
	"github.com/WaveringAna/wisp-edge/internal/rewrite"
	"github.com/WaveringAna/wisp-edge/internal/sitestore"
)

// resolution outcome of a request path within a snapshot
type resolveKind int

const (
	resolveNone resolveKind = iota
	resolveFile
	resolveDirNoIndex
)

// serveSite runs the layered routing for one site. rewriteBase is the
// serving prefix for HTML rewriting, empty when the site owns the whole
// host.
func (h *Handler) serveSite(w http.ResponseWriter, r *http.Request, did, site, rest, rewriteBase string) {
	if h.opts.Barrier.IsBeingCached(did, site) {
		h.serveUpdating(w)
		return
	}
	if !h.opts.Store.IsCached(did, site) {
		if h.opts.Fetcher == nil {
			textError(w, http.StatusNotFound, "Site not found")
			return
		}
		if err := h.opts.Fetcher.FetchAndMaterialize(r.Context(), did, site); err != nil {
			// A concurrent request for the same site holds the barrier;
			// the loser answers the same way as any in-progress swap.
			if errors.Is(err, ingest.ErrAlreadyUpdating) {
				h.serveUpdating(w)
				return
			}
			slog.Warn("on-demand materialize failed", "did", did, "site", site, "error", err)
			textError(w, http.StatusNotFound, "Site not found")
			return
		}
	}

	rel := pathutil.SanitizePath(rest)
	settings, err := h.opts.Store.Settings(did, site)
	if err != nil {
		slog.Warn("unreadable site settings", "did", did, "site", site, "error", err)
	}
	if settings == nil {
		settings = &manifest.Settings{}
	}
	rules := h.loadRules(did, site)

	// Redirect rules are written against site-relative paths; rebase the
	// request before matching when the site is served under a prefix.
	evalReq := r
	if rewriteBase != "" {
		evalReq = r.Clone(r.Context())
		evalReq.URL.Path = "/" + rel
	}
	res, matched := redirects.Evaluate(rules, evalReq)
	if matched && res.Force {
		h.applyRedirect(w, r, did, site, res, settings, rewriteBase)
		return
	}

	resolved, kind := h.resolvePath(did, site, rel, settings)
	switch kind {
	case resolveFile:
		h.serveFile(w, r, did, site, resolved, http.StatusOK, settings, rewriteBase)
		return
	case resolveDirNoIndex:
		if settings.DirectoryListing {
			h.serveListing(w, did, site, rel, rewriteBase, http.StatusOK)
			return
		}
	}

	// Nothing on disk for this path: non-forced redirects apply now.
	if matched {
		h.applyRedirect(w, r, did, site, res, settings, rewriteBase)
		return
	}

	switch {
	case settings.SPAMode != "":
		h.serveNamedFile(w, r, did, site, settings.SPAMode, http.StatusOK, settings, rewriteBase)
	case settings.Custom404 != "":
		h.serveNamedFile(w, r, did, site, settings.Custom404, http.StatusNotFound, settings, rewriteBase)
	default:
		for _, candidate := range []string{"404.html", "not_found.html"} {
			if h.fileExists(did, site, candidate) {
				h.serveNamedFile(w, r, did, site, candidate, http.StatusNotFound, settings, rewriteBase)
				return
			}
		}
		if settings.DirectoryListing {
			h.serveListing(w, did, site, "", rewriteBase, http.StatusNotFound)
			return
		}
		h.serveDefault404(w)
	}
}

// applyRedirect realizes a matched rule: 301/302 answer with Location,
// 200 serves the target's content at the original URL, 404 serves the
// target's content with a not-found status.
func (h *Handler) applyRedirect(w http.ResponseWriter, r *http.Request, did, site string, res redirects.Result, settings *manifest.Settings, rewriteBase string) {
	switch res.Status {
	case http.StatusMovedPermanently, http.StatusFound:
		target := res.To
		if rewriteBase != "" && strings.HasPrefix(target, "/") {
			target = strings.TrimSuffix(rewriteBase, "/") + target
		}
		http.Redirect(w, r, target, res.Status)
	case http.StatusOK, http.StatusNotFound:
		target := res.To
		if i := strings.IndexByte(target, '?'); i >= 0 {
			target = target[:i]
		}
		h.serveNamedFile(w, r, did, site, target, res.Status, settings, rewriteBase)
	default:
		h.serveDefault404(w)
	}
}

// serveNamedFile resolves an explicitly named target (SPA entry point,
// custom 404 page, rewrite rule target) and serves it with the given
// status.
func (h *Handler) serveNamedFile(w http.ResponseWriter, r *http.Request, did, site, name string, status int, settings *manifest.Settings, rewriteBase string) {
	rel := pathutil.SanitizePath(name)
	resolved, kind := h.resolvePath(did, site, rel, settings)
	if kind != resolveFile {
		h.serveDefault404(w)
		return
	}
	h.serveFile(w, r, did, site, resolved, status, settings, rewriteBase)
}

// resolvePath maps a sanitized request path onto a snapshot file,
// applying index files and clean-URL fallbacks.
func (h *Handler) resolvePath(did, site, rel string, settings *manifest.Settings) (string, resolveKind) {
	if reserved(rel) {
		return "", resolveNone
	}
	if rel == "" {
		return h.resolveDir(did, site, "", settings)
	}

	switch h.stat(did, site, rel) {
	case statFile:
		return rel, resolveFile
	case statDir:
		return h.resolveDir(did, site, rel, settings)
	}

	if settings.CleanURLs && !strings.Contains(path.Base(rel), ".") {
		if h.stat(did, site, rel+".html") == statFile {
			return rel + ".html", resolveFile
		}
		for _, idx := range settings.Indexes() {
			p := rel + "/" + idx
			if h.stat(did, site, p) == statFile {
				return p, resolveFile
			}
		}
	}
	return "", resolveNone
}

func (h *Handler) resolveDir(did, site, dir string, settings *manifest.Settings) (string, resolveKind) {
	for _, idx := range settings.Indexes() {
		p := idx
		if dir != "" {
			p = dir + "/" + idx
		}
		if h.stat(did, site, p) == statFile {
			return p, resolveFile
		}
	}
	if dir == "" || h.stat(did, site, dir) == statDir {
		return "", resolveDirNoIndex
	}
	return "", resolveNone
}

// reserved blocks the snapshot's bookkeeping files from being served.
func reserved(rel string) bool {
	return rel == ".metadata.json" || rel == ".settings.json" || strings.HasSuffix(rel, ".meta")
}

type statKind int

const (
	statNone statKind = iota
	statFile
	statDir
)

func (h *Handler) stat(did, site, rel string) statKind {
	full, err := h.opts.Store.CachedFilePath(did, site, rel)
	if err != nil {
		return statNone
	}
	info, err := os.Stat(full)
	switch {
	case err != nil:
		return statNone
	case info.IsDir():
		return statDir
	default:
		return statFile
	}
}

func (h *Handler) fileExists(did, site, rel string) bool {
	return h.stat(did, site, rel) == statFile
}

// cachedFile returns the stored bytes and sidecar meta for a snapshot
// file, keeping both in the in-memory caches.
func (h *Handler) cachedFile(did, site, rel string) ([]byte, sitestore.FileMeta, bool) {
	key := cache.Key(did, site, rel)
	if data, ok := h.opts.Files.Get(key); ok {
		if meta, _, cached := h.opts.Meta.Get(key); cached {
			metrics.CountCacheEvent("files", true)
			return data, meta, true
		}
	}
	metrics.CountCacheEvent("files", false)

	full, err := h.opts.Store.CachedFilePath(did, site, rel)
	if err != nil {
		return nil, sitestore.FileMeta{}, false
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, sitestore.FileMeta{}, false
	}
	meta, err := sitestore.ReadFileMeta(full)
	if err != nil {
		slog.Warn("unreadable file meta", "did", did, "site", site, "path", rel, "error", err)
	}
	h.opts.Files.Set(key, data)
	h.opts.Meta.Put(key, meta)
	return data, meta, true
}

// loadRules returns the site's compiled redirect rules, parsing the
// _redirects file once per snapshot.
func (h *Handler) loadRules(did, site string) []redirects.Rule {
	if h.opts.Rules == nil {
		return h.opts.Store.Redirects(did, site)
	}
	key := cache.Key(did, site, "_redirects")
	if rules, found, cached := h.opts.Rules.Get(key); cached {
		metrics.CountCacheEvent("redirects", true)
		if !found {
			return nil
		}
		return rules
	}
	metrics.CountCacheEvent("redirects", false)
	rules := h.opts.Store.Redirects(did, site)
	if len(rules) == 0 {
		h.opts.Rules.PutMiss(key)
		return nil
	}
	h.opts.Rules.Put(key, rules)
	return rules
}

// serveFile writes one snapshot file, negotiating encodings. Stored-gzip
// content is passed through verbatim to gzip-capable clients and inflated
// for the rest; plain compressible content may be compressed on the fly.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, did, site, rel string, status int, settings *manifest.Settings, rewriteBase string) {
	data, meta, ok := h.cachedFile(did, site, rel)
	if !ok {
		h.serveDefault404(w)
		return
	}
	ct := contentTypeFor(rel, meta)
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", cacheControlFor(ct))
	applyCustomHeaders(w, settings, "/"+rel)

	if mimetype.IsHTML(ct) && status == http.StatusOK {
		h.sendEarlyHints(w, did, site, rel, func() []byte {
			if meta.Encoding != "gzip" {
				return data
			}
			plain, err := inflate(data)
			if err != nil {
				return nil
			}
			return plain
		})
	}

	if rewriteBase != "" && mimetype.IsHTML(ct) {
		h.serveRewrittenHTML(w, r, did, site, rel, rewriteBase, data, meta, status)
		return
	}

	if meta.Encoding == "gzip" {
		if acceptsGzip(r) {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Vary", "Accept-Encoding")
			w.WriteHeader(status)
			_, _ = w.Write(data)
			return
		}
		plain, err := inflate(data)
		if err != nil {
			slog.Error("stored gzip content is corrupt", "did", did, "site", site, "path", rel, "error", err)
			textError(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write(plain)
		return
	}

	h.writeCompressible(w, r, ct, status, data)
}

// serveRewrittenHTML rebases absolute references for prefix-served sites.
// Rewritten documents are cached gzipped, keyed by document and base.
func (h *Handler) serveRewrittenHTML(w http.ResponseWriter, r *http.Request, did, site, rel, base string, data []byte, meta sitestore.FileMeta, status int) {
	key := cache.Key(did, site, rel, base)
	gz, hit := h.opts.HTML.Get(key)
	metrics.CountCacheEvent("html", hit)
	if !hit {
		plain := data
		if meta.Encoding == "gzip" {
			var err error
			plain, err = inflate(data)
			if err != nil {
				slog.Error("stored gzip content is corrupt", "did", did, "site", site, "path", rel, "error", err)
				textError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}
		rewritten := rewrite.Rewrite(plain, rel, base)
		gz = deflate(rewritten)
		h.opts.HTML.Set(key, gz)
	}

	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")
		w.WriteHeader(status)
		_, _ = w.Write(gz)
		return
	}
	plain, err := inflate(gz)
	if err != nil {
		textError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(plain)
}

// writeCompressible writes plain bytes, compressing on the fly when the
// client and the content type allow it.
func (h *Handler) writeCompressible(w http.ResponseWriter, r *http.Request, ct string, status int, data []byte) {
	if mimetype.Compressible(ct) && (acceptsBrotli(r) || acceptsGzip(r)) {
		encoding := "gzip"
		if acceptsBrotli(r) {
			encoding = "br"
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		cw := &compressWriter{ResponseWriter: w, encoding: encoding}
		defer cw.Close()
		cw.WriteHeader(status)
		_, _ = cw.Write(data)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func contentTypeFor(rel string, meta sitestore.FileMeta) string {
	if meta.MimeType != "" {
		return meta.MimeType
	}
	if ct := mime.TypeByExtension(path.Ext(rel)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// cacheControlFor keeps HTML fresh while letting content-addressed assets
// sit in downstream caches indefinitely.
func cacheControlFor(ct string) string {
	if mimetype.IsHTML(ct) {
		return "public, max-age=300"
	}
	return "public, max-age=31536000, immutable"
}

// applyCustomHeaders sets the settings' header overrides whose glob
// matches the request path. Globs use * (any run) and ? (one byte).
func applyCustomHeaders(w http.ResponseWriter, settings *manifest.Settings, reqPath string) {
	for _, hd := range settings.Headers {
		if hd.Path == "" || matchGlob(hd.Path, reqPath) {
			w.Header().Set(hd.Name, hd.Value)
		}
	}
}

// matchGlob matches pattern against s where * spans any run of bytes
// (path separators included) and ? matches exactly one.
func matchGlob(pattern, s string) bool {
	var backtrackP, backtrackS = -1, -1
	p, i := 0, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			backtrackP, backtrackS = p, i
			p++
		case backtrackP >= 0:
			backtrackS++
			p, i = backtrackP+1, backtrackS
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

type listEntry struct {
	Name  string
	Href  string
	IsDir bool
}

// serveListing renders a directory listing from the snapshot.
func (h *Handler) serveListing(w http.ResponseWriter, did, site, dir, rewriteBase string, status int) {
	full, err := h.opts.Store.CachedFilePath(did, site, dir)
	if err != nil {
		h.serveDefault404(w)
		return
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		h.serveDefault404(w)
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		di, dj := entries[i].IsDir(), entries[j].IsDir()
		if di != dj {
			return di
		}
		return entries[i].Name() < entries[j].Name()
	})

	prefix := "/"
	if rewriteBase != "" {
		prefix = rewriteBase
	}
	if dir != "" {
		prefix += dir + "/"
	}

	var items []listEntry
	for _, e := range entries {
		name := e.Name()
		if reserved(name) || strings.HasPrefix(name, ".") {
			continue
		}
		items = append(items, listEntry{
			Name:  name,
			Href:  prefix + name,
			IsDir: e.IsDir(),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = dirlistTmpl.Execute(w, struct {
		Path    string
		Entries []listEntry
	}{"/" + dir, items})
}

func inflate(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func deflate(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(data)
	_ = zw.Close()
	return buf.Bytes()
}
