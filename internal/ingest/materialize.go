package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/WaveringAna/wisp-edge/internal/cache"
	"github.com/WaveringAna/wisp-edge/internal/domaindb"
	"github.com/WaveringAna/wisp-edge/internal/fetch"
	"github.com/WaveringAna/wisp-edge/internal/identity"
	"github.com/WaveringAna/wisp-edge/internal/manifest"
	"github.com/WaveringAna/wisp-edge/internal/metrics"
	"github.com/WaveringAna/wisp-edge/internal/pglock"
	"github.com/WaveringAna/wisp-edge/internal/redirects"
	"github.com/WaveringAna/wisp-edge/internal/sitestore"
)

// Materializer turns an upstream site record into a live snapshot. It is
// shared by the stream worker, the startup backfill, and the dispatcher's
// on-demand path. Lock and DB are nil in cache-only mode, in which case
// the site row write is skipped.
type Materializer struct {
	Store    *sitestore.Store
	Resolver *identity.Resolver
	Fetch    *fetch.Client
	Barrier  *cache.Barrier
	Files    *cache.Bytes
	HTML     *cache.Bytes
	Meta     *cache.Lookup[sitestore.FileMeta]
	Hints    *cache.Lookup[[]string]
	Rules    *cache.Lookup[[]redirects.Rule]
	Lock     *pglock.Locker
	DB       *domaindb.DB
}

// ErrAlreadyUpdating is returned when a materialization is requested for
// a site whose snapshot swap is already in flight on another goroutine.
var ErrAlreadyUpdating = errors.New("ingest: site is already being materialized")

type recordResponse struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// GetRecord fetches a site record from its PDS and returns the decoded
// manifest along with the PDS's content id for it.
func (m *Materializer) GetRecord(ctx context.Context, pdsURL, did, rkey string) (*manifest.Site, string, error) {
	u := fmt.Sprintf("%s/xrpc/com.atproto.repo.getRecord?repo=%s&collection=%s&rkey=%s",
		pdsURL, url.QueryEscape(did), url.QueryEscape(manifest.Collection), url.QueryEscape(rkey))
	var resp recordResponse
	if err := m.Fetch.JSON(ctx, u, &resp, fetch.Options{}); err != nil {
		return nil, "", err
	}
	rec, err := manifest.Decode(resp.Value)
	if err != nil {
		return nil, "", err
	}
	return rec, resp.CID, nil
}

// Materialize swaps in a new snapshot for the record, holding the barrier
// across the swap, then writes the site row and drops stale cache entries.
// The site name is the record key; rec.Site is only the display name.
func (m *Materializer) Materialize(ctx context.Context, did, site string, rec *manifest.Site, recordCID string) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("ingest: invalid record %s/%s: %w", did, site, err)
	}
	pds, err := m.Resolver.ResolvePDS(ctx, did)
	if err != nil {
		return fmt.Errorf("ingest: resolving PDS for %s: %w", did, err)
	}

	start := time.Now()
	// The barrier doubles as a per-site mutex: concurrent requests for the
	// same pair would otherwise race their snapshot swaps.
	if !m.Barrier.TryMark(did, site) {
		return ErrAlreadyUpdating
	}
	err = m.Store.Materialize(ctx, did, site, rec, recordCID, pds)
	m.Barrier.Unmark(did, site)
	if err != nil {
		return err
	}
	metrics.ObserveSnapshot(time.Since(start))
	m.Invalidate(did, site)

	m.upsertSiteRow(ctx, did, site, rec.Site)
	return nil
}

// FetchAndMaterialize resolves, fetches, and materializes a site by name.
// The dispatcher uses it when a request arrives for a site that has no
// snapshot yet.
func (m *Materializer) FetchAndMaterialize(ctx context.Context, did, site string) error {
	pds, err := m.Resolver.ResolvePDS(ctx, did)
	if err != nil {
		return fmt.Errorf("ingest: resolving PDS for %s: %w", did, err)
	}
	rec, cid, err := m.GetRecord(ctx, pds, did, site)
	if err != nil {
		return fmt.Errorf("ingest: fetching record %s/%s: %w", did, site, err)
	}
	return m.Materialize(ctx, did, site, rec, cid)
}

// Invalidate drops every in-memory cache entry for a site.
func (m *Materializer) Invalidate(did, site string) {
	prefix := cache.Key(did, site) + "\x00"
	if m.Files != nil {
		m.Files.DeletePrefix(prefix)
	}
	if m.HTML != nil {
		m.HTML.DeletePrefix(prefix)
	}
	if m.Meta != nil {
		m.Meta.DeletePrefix(prefix)
	}
	if m.Hints != nil {
		m.Hints.DeletePrefix(prefix)
	}
	if m.Rules != nil {
		m.Rules.DeletePrefix(prefix)
	}
}

// upsertSiteRow writes the site row under the distributed upsert lock.
// Losing the lock race or failing the write is not fatal: the snapshot is
// already live, and the winning writer persists the same row.
func (m *Materializer) upsertSiteRow(ctx context.Context, did, site, displayName string) {
	if m.Lock == nil || m.DB == nil {
		return
	}
	key := fmt.Sprintf("db:upsert:%s:%s", did, site)
	ok, err := m.Lock.TryAcquire(ctx, key)
	if err != nil {
		slog.Warn("upsert lock failed", "did", did, "site", site, "error", err)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := m.Lock.Release(ctx, key); err != nil {
			slog.Warn("upsert lock release failed", "did", did, "site", site, "error", err)
		}
	}()
	if err := m.DB.UpsertSite(ctx, did, site, displayName); err != nil {
		slog.Warn("site row upsert failed", "did", did, "site", site, "error", err)
	}
}

// deleteSiteRow removes the site row under the same lock discipline.
func (m *Materializer) deleteSiteRow(ctx context.Context, did, site string) {
	if m.Lock == nil || m.DB == nil {
		return
	}
	key := fmt.Sprintf("db:upsert:%s:%s", did, site)
	ok, err := m.Lock.TryAcquire(ctx, key)
	if err != nil || !ok {
		return
	}
	defer m.Lock.Release(ctx, key)
	if err := m.DB.DeleteSite(ctx, did, site); err != nil {
		slog.Warn("site row delete failed", "did", did, "site", site, "error", err)
	}
}
