// Package dnsverify re-checks ownership proofs for custom domains. A
// domain stays routable only while the TXT record at _wisp.<domain>
// still names the owning DID; the CNAME check is advisory because CNAME
// flattening hides the target from lookups.
package dnsverify

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/WaveringAna/wisp-edge/internal/domaindb"
	"github.com/WaveringAna/wisp-edge/internal/metrics"
	"github.com/WaveringAna/wisp-edge/internal/obslog"
)

// DefaultInterval is how often the verifier sweeps all verified domains.
const DefaultInterval = 60 * time.Minute

// Resolver is the subset of net.Resolver the verifier needs.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
}

// Store is the subset of the domain database the verifier touches.
type Store interface {
	ListVerifiedCustomDomains(ctx context.Context) ([]domaindb.CustomDomain, error)
	SetDomainVerification(ctx context.Context, id string, verified bool) error
}

// RunStats summarizes one verification sweep.
type RunStats struct {
	StartedAt  time.Time `json:"startedAt"`
	Checked    int       `json:"checked"`
	Verified   int       `json:"verified"`
	Failed     int       `json:"failed"`
	Errors     int       `json:"errors"`
	DurationMS int64     `json:"durationMs"`
}

// Verifier sweeps verified custom domains and revokes stale ones.
type Verifier struct {
	db       Store
	dns      Resolver
	baseHost string
	rec      *obslog.Recorder

	mu   sync.Mutex
	last *RunStats
}

func New(db Store, dns Resolver, baseHost string, rec *obslog.Recorder) *Verifier {
	if dns == nil {
		dns = net.DefaultResolver
	}
	return &Verifier{db: db, dns: dns, baseHost: baseHost, rec: rec}
}

// Last returns the most recent sweep's stats, or nil if none has run.
func (v *Verifier) Last() *RunStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last == nil {
		return nil
	}
	s := *v.last
	return &s
}

// Run performs one sweep over all verified custom domains. Also the
// manual trigger behind the admin endpoint.
func (v *Verifier) Run(ctx context.Context) (RunStats, error) {
	stats := RunStats{StartedAt: time.Now()}
	domains, err := v.db.ListVerifiedCustomDomains(ctx)
	if err != nil {
		return stats, err
	}

	for _, d := range domains {
		if ctx.Err() != nil {
			break
		}
		stats.Checked++
		ok, err := v.check(ctx, d)
		switch {
		case err != nil:
			// Resolution errors are not proof of revocation; leave the
			// domain alone and try again next sweep.
			stats.Errors++
			metrics.CountDNSCheck("error")
			slog.Warn("dns verification errored", "domain", d.Domain, "error", err)
		case ok:
			stats.Verified++
			metrics.CountDNSCheck("verified")
			if err := v.db.SetDomainVerification(ctx, d.ID, true); err != nil {
				slog.Warn("recording verification failed", "domain", d.Domain, "error", err)
			}
		default:
			stats.Failed++
			metrics.CountDNSCheck("revoked")
			slog.Info("custom domain revoked", "domain", d.Domain, "did", d.DID)
			if err := v.db.SetDomainVerification(ctx, d.ID, false); err != nil {
				slog.Warn("recording revocation failed", "domain", d.Domain, "error", err)
			}
		}
	}

	stats.DurationMS = time.Since(stats.StartedAt).Milliseconds()
	v.mu.Lock()
	v.last = &stats
	v.mu.Unlock()

	slog.Info("dns verification sweep complete",
		"checked", stats.Checked, "verified", stats.Verified,
		"failed", stats.Failed, "errors", stats.Errors,
		"duration_ms", stats.DurationMS)
	if v.rec != nil {
		v.rec.Record(obslog.Event{
			Source:     "dnsverify",
			EventType:  "run",
			Message:    "verification sweep complete",
			DurationMS: stats.DurationMS,
		})
	}
	return stats, nil
}

// check returns whether the domain still proves ownership. TXT is
// authoritative; a present-but-wrong CNAME only logs.
func (v *Verifier) check(ctx context.Context, d domaindb.CustomDomain) (bool, error) {
	records, err := v.dns.LookupTXT(ctx, "_wisp."+d.Domain)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	found := false
	for _, r := range records {
		if strings.TrimSpace(r) == d.DID {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	want := domaindb.DomainHash(d.DID, d.Domain) + ".dns." + v.baseHost
	cname, err := v.dns.LookupCNAME(ctx, d.Domain)
	if err == nil {
		cname = strings.TrimSuffix(cname, ".")
		if cname != "" && cname != d.Domain && cname != want {
			slog.Debug("cname does not point at edge", "domain", d.Domain,
				"cname", cname, "want", want)
		}
	}
	return true, nil
}

// isNotFound reports a definitive NXDOMAIN-style answer, as opposed to a
// transient resolution failure.
func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
