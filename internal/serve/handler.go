// Package serve is the public request path: it classifies the Host
// header, maps it to a site, and serves the site's snapshot with the
// layered routing rules (redirects, clean URLs, SPA mode, custom 404s).
package serve

import (
	"context"
	_ "embed"
	"html/template"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/WaveringAna/wisp-edge/internal/cache"
	"github.com/WaveringAna/wisp-edge/internal/domaindb"
	"github.com/WaveringAna/wisp-edge/internal/httplog"
	"github.com/WaveringAna/wisp-edge/internal/metrics"
	"github.com/WaveringAna/wisp-edge/internal/pathutil"
	"github.com/WaveringAna/wisp-edge/internal/redirects"
	"github.com/WaveringAna/wisp-edge/internal/sitestore"
)

//go:embed templates/404.gohtml
var default404HTML []byte

//go:embed templates/503.gohtml
var updatingHTML []byte

//go:embed templates/dirlist.gohtml
var dirlistTmplStr string

var dirlistTmpl = template.Must(template.New("dirlist").Parse(dirlistTmplStr))

var dnsHashHost = regexp.MustCompile(`^([0-9a-f]{16})\.dns\.`)

// IdentifierResolver resolves a DID or handle to a DID.
type IdentifierResolver interface {
	ResolveIdentifier(ctx context.Context, id string) (string, error)
}

// SiteFetcher materializes a site on demand when a request arrives before
// the ingest worker has seen it.
type SiteFetcher interface {
	FetchAndMaterialize(ctx context.Context, did, site string) error
}

// DomainDB is the read side of the shared domain tables.
type DomainDB interface {
	GetWispDomain(ctx context.Context, domain string) (*domaindb.WispDomain, error)
	GetCustomDomain(ctx context.Context, domain string) (*domaindb.CustomDomain, error)
	GetCustomDomainByHash(ctx context.Context, hash string) (*domaindb.CustomDomain, error)
}

// Options wires a Handler. DB may be nil (cache-only deployments), which
// disables every hostname class except the path-prefix host.
type Options struct {
	BaseHost string
	Store    *sitestore.Store
	DB       DomainDB
	Resolver IdentifierResolver
	Fetcher  SiteFetcher
	Barrier  *cache.Barrier
	Files    *cache.Bytes
	HTML     *cache.Bytes
	Meta     *cache.Lookup[sitestore.FileMeta]
	Hints    *cache.Lookup[[]string]
	Rules    *cache.Lookup[[]redirects.Rule]
	Wisp     *cache.Lookup[domaindb.WispDomain]
	Custom   *cache.Lookup[domaindb.CustomDomain]
	ByHash   *cache.Lookup[domaindb.CustomDomain]
}

type Handler struct {
	opts Options
}

func New(opts Options) *Handler {
	return &Handler{opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Permissive CORS on every response, errors included.
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "*")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		textError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	host := strings.ToLower(r.Host)
	if hp, _, err := net.SplitHostPort(host); err == nil {
		host = hp
	}
	base := h.opts.BaseHost

	switch {
	case host == "sites."+base:
		httplog.SetClass(w, "path-prefix")
		h.servePathPrefix(w, r)
	case strings.HasSuffix(host, ".dns."+base) && dnsHashHost.MatchString(host):
		httplog.SetClass(w, "dns-hash")
		h.serveDNSHash(w, r, dnsHashHost.FindStringSubmatch(host)[1])
	case host == base:
		textError(w, http.StatusBadRequest, "Invalid base domain")
	case strings.HasSuffix(host, "."+base):
		httplog.SetClass(w, "wisp-subdomain")
		h.serveWispDomain(w, r, host)
	default:
		httplog.SetClass(w, "custom-domain")
		h.serveCustomDomain(w, r, host)
	}
}

// servePathPrefix handles sites.<base>/<identifier>/<site>/<rest> with
// HTML rewriting under the /<identifier>/<site>/ base.
func (h *Handler) servePathPrefix(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 2 || parts[0] == "" {
		textError(w, http.StatusBadRequest, "Invalid path format. Expected: /identifier/sitename/path")
		return
	}
	identifier, site := parts[0], parts[1]
	rest := ""
	if len(parts) == 3 {
		rest = parts[2]
	}

	if !pathutil.ValidIdentifier(identifier) {
		textError(w, http.StatusBadRequest, "Invalid identifier")
		return
	}
	if site == "" {
		textError(w, http.StatusBadRequest, "Site name required")
		return
	}
	if !pathutil.ValidSiteName(site) {
		textError(w, http.StatusBadRequest, "Invalid site name")
		return
	}

	did, err := h.opts.Resolver.ResolveIdentifier(r.Context(), identifier)
	if err != nil {
		textError(w, http.StatusBadRequest, "Invalid identifier")
		return
	}

	h.serveSite(w, r, did, site, rest, "/"+identifier+"/"+site+"/")
}

func (h *Handler) serveDNSHash(w http.ResponseWriter, r *http.Request, hash string) {
	d, ok := h.lookupByHash(r.Context(), hash)
	if !ok {
		textError(w, http.StatusNotFound, "Custom domain not found or not verified")
		return
	}
	h.serveMapped(w, r, d.DID, d.SiteName)
}

func (h *Handler) serveWispDomain(w http.ResponseWriter, r *http.Request, host string) {
	d, ok := h.lookupWisp(r.Context(), host)
	if !ok {
		textError(w, http.StatusNotFound, "Subdomain not registered")
		return
	}
	h.serveMapped(w, r, d.DID, d.SiteName)
}

func (h *Handler) serveCustomDomain(w http.ResponseWriter, r *http.Request, host string) {
	d, ok := h.lookupCustom(r.Context(), host)
	if !ok || !d.Verified {
		textError(w, http.StatusNotFound, "Custom domain not found or not verified")
		return
	}
	h.serveMapped(w, r, d.DID, d.SiteName)
}

// serveMapped serves a domain row's site. A row with no site still
// resolves the domain but yields nothing to serve.
func (h *Handler) serveMapped(w http.ResponseWriter, r *http.Request, did string, siteName *string) {
	if siteName == nil || *siteName == "" {
		textError(w, http.StatusNotFound, "Domain not mapped to a site")
		return
	}
	if !pathutil.ValidSiteName(*siteName) {
		textError(w, http.StatusInternalServerError, "Invalid site configuration")
		return
	}
	h.serveSite(w, r, did, *siteName, strings.TrimPrefix(r.URL.Path, "/"), "")
}

// --- domain lookups, cached with negative entries ---

func (h *Handler) lookupWisp(ctx context.Context, host string) (domaindb.WispDomain, bool) {
	if v, found, cached := h.opts.Wisp.Get(host); cached {
		metrics.CountCacheEvent("wisp_domain", true)
		return v, found
	}
	metrics.CountCacheEvent("wisp_domain", false)
	if h.opts.DB == nil {
		return domaindb.WispDomain{}, false
	}
	d, err := h.opts.DB.GetWispDomain(ctx, host)
	if err != nil || d == nil {
		if err == nil {
			h.opts.Wisp.PutMiss(host)
		}
		return domaindb.WispDomain{}, false
	}
	h.opts.Wisp.Put(host, *d)
	return *d, true
}

func (h *Handler) lookupCustom(ctx context.Context, host string) (domaindb.CustomDomain, bool) {
	if v, found, cached := h.opts.Custom.Get(host); cached {
		metrics.CountCacheEvent("custom_domain", true)
		return v, found
	}
	metrics.CountCacheEvent("custom_domain", false)
	if h.opts.DB == nil {
		return domaindb.CustomDomain{}, false
	}
	d, err := h.opts.DB.GetCustomDomain(ctx, host)
	if err != nil || d == nil {
		if err == nil {
			h.opts.Custom.PutMiss(host)
		}
		return domaindb.CustomDomain{}, false
	}
	h.opts.Custom.Put(host, *d)
	return *d, true
}

func (h *Handler) lookupByHash(ctx context.Context, hash string) (domaindb.CustomDomain, bool) {
	if v, found, cached := h.opts.ByHash.Get(hash); cached {
		metrics.CountCacheEvent("custom_domain_hash", true)
		return v, found
	}
	metrics.CountCacheEvent("custom_domain_hash", false)
	if h.opts.DB == nil {
		return domaindb.CustomDomain{}, false
	}
	d, err := h.opts.DB.GetCustomDomainByHash(ctx, hash)
	if err != nil || d == nil {
		if err == nil {
			h.opts.ByHash.PutMiss(hash)
		}
		return domaindb.CustomDomain{}, false
	}
	h.opts.ByHash.Put(hash, *d)
	return *d, true
}

func textError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func (h *Handler) serveUpdating(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Retry-After", "3")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(updatingHTML)
}

func (h *Handler) serveDefault404(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(default404HTML)
}
