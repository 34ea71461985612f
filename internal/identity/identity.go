// Package identity resolves repo identifiers: handles to DIDs, and DIDs to
// the PDS endpoint that hosts the repo.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/WaveringAna/wisp-edge/internal/fetch"
)

var (
	// ErrBadIdentifier covers unknown handles and malformed DIDs.
	ErrBadIdentifier = errors.New("identity: unresolvable identifier")
	// ErrNoPDS is returned when a DID document lists no PDS service.
	ErrNoPDS = errors.New("identity: DID document has no PDS endpoint")
)

// TXTResolver is the subset of net.Resolver used for handle resolution.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Resolver resolves identifiers against the PLC directory, did:web
// documents, and DNS. Results are cached briefly; identity data changes
// rarely and every page load would otherwise hit the directory.
type Resolver struct {
	fetch  *fetch.Client
	dns    TXTResolver
	plcURL string

	dids    *expirable.LRU[string, string] // handle → did
	pdsURLs *expirable.LRU[string, string] // did → pds endpoint
}

func NewResolver(fc *fetch.Client, dns TXTResolver, plcURL string) *Resolver {
	return &Resolver{
		fetch:   fc,
		dns:     dns,
		plcURL:  strings.TrimSuffix(plcURL, "/"),
		dids:    expirable.NewLRU[string, string](4096, nil, 10*time.Minute),
		pdsURLs: expirable.NewLRU[string, string](4096, nil, 10*time.Minute),
	}
}

// didDocument is the subset of a DID document the edge needs.
type didDocument struct {
	ID      string `json:"id"`
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// ResolveIdentifier turns a DID or handle into a DID.
func (r *Resolver) ResolveIdentifier(ctx context.Context, id string) (string, error) {
	if strings.HasPrefix(id, "did:") {
		if !strings.HasPrefix(id, "did:plc:") && !strings.HasPrefix(id, "did:web:") {
			return "", fmt.Errorf("%w: unsupported DID method in %q", ErrBadIdentifier, id)
		}
		return id, nil
	}
	return r.resolveHandle(ctx, id)
}

// resolveHandle looks up the DNS TXT record _atproto.<handle>, falling back
// to the HTTPS well-known endpoint.
func (r *Resolver) resolveHandle(ctx context.Context, handle string) (string, error) {
	handle = strings.ToLower(strings.TrimSuffix(handle, "."))
	if did, ok := r.dids.Get(handle); ok {
		return did, nil
	}

	if txts, err := r.dns.LookupTXT(ctx, "_atproto."+handle); err == nil {
		for _, txt := range txts {
			if did, ok := strings.CutPrefix(strings.TrimSpace(txt), "did="); ok && strings.HasPrefix(did, "did:") {
				r.dids.Add(handle, did)
				return did, nil
			}
		}
	}

	body, err := r.fetch.Bytes(ctx, "https://"+handle+"/.well-known/atproto-did",
		fetch.Options{MaxBytes: 4096, Timeout: 10 * time.Second})
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadIdentifier, handle)
	}
	did := strings.TrimSpace(string(body))
	if !strings.HasPrefix(did, "did:") {
		return "", fmt.Errorf("%w: %q", ErrBadIdentifier, handle)
	}
	r.dids.Add(handle, did)
	return did, nil
}

// ResolvePDS returns the base URL of the PDS hosting the given DID's repo.
func (r *Resolver) ResolvePDS(ctx context.Context, did string) (string, error) {
	if u, ok := r.pdsURLs.Get(did); ok {
		return u, nil
	}

	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = r.plcURL + "/" + url.PathEscape(did)
	case strings.HasPrefix(did, "did:web:"):
		var err error
		docURL, err = didWebURL(did)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: unsupported DID %q", ErrBadIdentifier, did)
	}

	var doc didDocument
	if err := r.fetch.JSON(ctx, docURL, &doc, fetch.Options{Timeout: 30 * time.Second}); err != nil {
		return "", fmt.Errorf("identity: fetching DID document for %s: %w", did, err)
	}
	for _, svc := range doc.Service {
		if svc.Type == "AtprotoPersonalDataServer" {
			r.pdsURLs.Add(did, svc.ServiceEndpoint)
			return svc.ServiceEndpoint, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoPDS, did)
}

// didWebURL maps did:web:<host>[:<path>…] onto the document URL: the bare
// host form uses /.well-known/did.json, the path form appends /did.json.
func didWebURL(did string) (string, error) {
	rest := strings.TrimPrefix(did, "did:web:")
	if rest == "" {
		return "", fmt.Errorf("%w: %q", ErrBadIdentifier, did)
	}
	parts := strings.Split(rest, ":")
	host, err := url.PathUnescape(parts[0])
	if err != nil || host == "" {
		return "", fmt.Errorf("%w: %q", ErrBadIdentifier, did)
	}
	if len(parts) == 1 {
		return "https://" + host + "/.well-known/did.json", nil
	}
	segs := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		seg, err := url.PathUnescape(p)
		if err != nil || seg == "" {
			return "", fmt.Errorf("%w: %q", ErrBadIdentifier, did)
		}
		segs = append(segs, seg)
	}
	return "https://" + host + "/" + strings.Join(segs, "/") + "/did.json", nil
}
