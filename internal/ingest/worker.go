// Package ingest consumes the upstream commit stream and keeps the local
// snapshot store in sync with published site records.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/WaveringAna/wisp-edge/internal/manifest"
	"github.com/WaveringAna/wisp-edge/internal/metrics"
	"github.com/WaveringAna/wisp-edge/internal/obslog"
	"github.com/WaveringAna/wisp-edge/internal/pathutil"
)

const (
	backoffMin = time.Second
	backoffMax = 60 * time.Second

	// A healthy stream delivers at least pings within this window.
	staleAfter = 5 * time.Minute
)

// Event is one commit-stream message.
type Event struct {
	DID    string  `json:"did"`
	Kind   string  `json:"kind"`
	TimeUS int64   `json:"time_us"`
	Commit *Commit `json:"commit"`
}

type Commit struct {
	Operation  string          `json:"operation"` // create, update, delete
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record"`
	CID        string          `json:"cid"`
}

// Health is the worker's liveness report for the health endpoint.
type Health struct {
	Connected          bool       `json:"connected"`
	LastEventTime      *time.Time `json:"lastEventTime,omitempty"`
	TimeSinceLastEvent string     `json:"timeSinceLastEvent,omitempty"`
	Healthy            bool       `json:"healthy"`
}

// Worker holds the stream connection and dispatches events to the
// materializer.
type Worker struct {
	mat       *Materializer
	streamURL string
	rec       *obslog.Recorder

	mu        sync.Mutex
	connected bool
	lastEvent time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(mat *Materializer, streamURL string, rec *obslog.Recorder) *Worker {
	return &Worker{mat: mat, streamURL: streamURL, rec: rec}
}

// Start launches the subscription loop. Stop shuts it down.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// Health reports stream liveness. Healthy means connected with an event
// seen in the last five minutes.
func (w *Worker) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := Health{Connected: w.connected}
	if !w.lastEvent.IsZero() {
		t := w.lastEvent
		h.LastEventTime = &t
		since := time.Since(t)
		h.TimeSinceLastEvent = since.Round(time.Second).String()
		h.Healthy = w.connected && since < staleAfter
	}
	return h
}

func (w *Worker) subscribeURL() string {
	sep := "?"
	if strings.Contains(w.streamURL, "?") {
		sep = "&"
	}
	return w.streamURL + sep + "wantedCollections=" + manifest.Collection
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	backoff := backoffMin
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.subscribeURL(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("stream dial failed", "url", w.streamURL, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffMin
		w.setConnected(true)
		slog.Info("stream connected", "url", w.streamURL)

		w.readLoop(ctx, conn)

		w.setConnected(false)
		conn.Close()
	}
}

func (w *Worker) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("stream read failed", "error", err)
			}
			return
		}
		w.touch()

		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			slog.Warn("malformed stream message", "error", err)
			metrics.CountIngestEvent("unknown", "invalid")
			continue
		}
		w.Handle(ctx, &ev)
	}
}

// Handle processes one commit event. Malformed events are dropped;
// transient failures are logged and left for the next commit of the same
// record.
func (w *Worker) Handle(ctx context.Context, ev *Event) {
	if ev.Kind != "commit" || ev.Commit == nil || ev.Commit.Collection != manifest.Collection {
		return
	}
	c := ev.Commit
	if !pathutil.ValidIdentifier(ev.DID) || !pathutil.ValidSiteName(c.RKey) {
		metrics.CountIngestEvent(c.Operation, "invalid")
		return
	}

	switch c.Operation {
	case "create", "update":
		w.handleUpsert(ctx, ev.DID, c)
	case "delete":
		w.handleDelete(ctx, ev.DID, c.RKey)
	}
}

func (w *Worker) handleUpsert(ctx context.Context, did string, c *Commit) {
	pds, err := w.mat.Resolver.ResolvePDS(ctx, did)
	if err != nil {
		w.fail(c.Operation, did, c.RKey, "pds_resolve_failed", err)
		return
	}

	// Never trust the streamed record: re-fetch from the PDS and compare
	// content ids, dropping events that claim a different cid than the
	// repo actually holds.
	rec, cid, err := w.mat.GetRecord(ctx, pds, did, c.RKey)
	if err != nil {
		w.fail(c.Operation, did, c.RKey, "record_fetch_failed", err)
		return
	}
	if c.CID != "" && cid != "" && c.CID != cid {
		slog.Warn("event cid does not match repo", "did", did, "site", c.RKey,
			"event_cid", c.CID, "repo_cid", cid)
		metrics.CountIngestEvent(c.Operation, "dropped")
		return
	}

	if err := w.mat.Materialize(ctx, did, c.RKey, rec, cid); err != nil {
		if errors.Is(err, ErrAlreadyUpdating) {
			// An on-demand request beat us to the swap; the next commit
			// for the record will reconcile any difference.
			slog.Info("site already being materialized", "did", did, "site", c.RKey)
			metrics.CountIngestEvent(c.Operation, "dropped")
			return
		}
		w.fail(c.Operation, did, c.RKey, "materialize_failed", err)
		return
	}
	slog.Info("site materialized", "did", did, "site", c.RKey, "cid", cid)
	metrics.CountIngestEvent(c.Operation, "ok")
}

func (w *Worker) handleDelete(ctx context.Context, did, site string) {
	pds, err := w.mat.Resolver.ResolvePDS(ctx, did)
	if err != nil {
		w.fail("delete", did, site, "pds_resolve_failed", err)
		return
	}
	// Deletes are verified the same way as writes: only act when the
	// record is actually gone from the repo.
	if _, _, err := w.mat.GetRecord(ctx, pds, did, site); err == nil {
		slog.Info("delete event but record still present", "did", did, "site", site)
		metrics.CountIngestEvent("delete", "dropped")
		return
	}

	w.mat.Invalidate(did, site)
	if err := w.mat.Store.Remove(did, site); err != nil {
		w.fail("delete", did, site, "remove_failed", err)
		return
	}
	w.mat.deleteSiteRow(ctx, did, site)
	slog.Info("site removed", "did", did, "site", site)
	metrics.CountIngestEvent("delete", "ok")
}

func (w *Worker) fail(op, did, site, eventType string, err error) {
	slog.Error("ingest event failed", "operation", op, "did", did, "site", site,
		"event_type", eventType, "error", err)
	metrics.CountIngestEvent(op, "error")
	if w.rec != nil {
		w.rec.Record(obslog.Event{
			Level:     "error",
			Source:    "ingest",
			EventType: eventType,
			Message:   fmt.Sprintf("%s failed for %s/%s", op, did, site),
			DID:       did,
			Site:      site,
			Error:     err.Error(),
		})
	}
}

func (w *Worker) setConnected(up bool) {
	w.mu.Lock()
	w.connected = up
	w.mu.Unlock()
	metrics.SetStreamConnected(up)
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastEvent = time.Now()
	w.mu.Unlock()
}

// Backfill materializes every known site that has no local snapshot,
// with at most concurrency in flight. Used at startup so a fresh edge
// node warms itself from the database.
func (w *Worker) Backfill(ctx context.Context, concurrency int) error {
	if w.mat.DB == nil {
		return nil
	}
	sites, err := w.mat.DB.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("ingest: listing sites for backfill: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	var skipped, fetched int
	var mu sync.Mutex
	for _, s := range sites {
		if w.mat.Store.IsCached(s.DID, s.Name) {
			skipped++
			continue
		}
		g.Go(func() error {
			if err := w.mat.FetchAndMaterialize(gctx, s.DID, s.Name); err != nil {
				// Keep going; one broken site must not block the rest.
				slog.Warn("backfill failed", "did", s.DID, "site", s.Name, "error", err)
				return nil
			}
			mu.Lock()
			fetched++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("backfill complete", "fetched", fetched, "already_cached", skipped, "total", len(sites))
	return nil
}
