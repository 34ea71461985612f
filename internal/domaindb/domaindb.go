// Package domaindb reads and writes the shared relational store: domain
// mappings consumed by routing, the site table the edge upserts after
// ingestion, and the verification state maintained by the DNS verifier.
package domaindb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WispDomain is one platform-issued subdomain mapping. SiteName is nil for
// a reserved-but-unmapped entry.
type WispDomain struct {
	Domain   string
	DID      string
	SiteName *string
}

// CustomDomain is one user-provided domain. ID is the 16-hex-char digest
// derived by DomainHash.
type CustomDomain struct {
	ID             string
	Domain         string
	DID            string
	SiteName       *string
	Verified       bool
	LastVerifiedAt *time.Time
}

// Site is one row of the site table the edge maintains.
type Site struct {
	DID         string
	Name        string
	DisplayName *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DomainHash derives the custom_domain primary key:
// sha256("<did>:<domain>") truncated to 16 hex characters.
func DomainHash(did, domain string) string {
	sum := sha256.Sum256([]byte(did + ":" + strings.ToLower(domain)))
	return hex.EncodeToString(sum[:])[:16]
}

// DB wraps the shared pool.
type DB struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// Migrate creates the edge's tables when they do not exist yet. The schema
// is shared with the control plane; CREATE IF NOT EXISTS keeps this safe to
// run from every instance.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS site (
			did          TEXT NOT NULL,
			site_name    TEXT NOT NULL,
			display_name TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (did, site_name)
		);
		CREATE TABLE IF NOT EXISTS wisp_domain (
			domain    TEXT PRIMARY KEY,
			did       TEXT NOT NULL,
			site_name TEXT
		);
		CREATE TABLE IF NOT EXISTS custom_domain (
			id               TEXT PRIMARY KEY,
			domain           TEXT NOT NULL UNIQUE,
			did              TEXT NOT NULL,
			site_name        TEXT,
			verified         BOOLEAN NOT NULL DEFAULT false,
			last_verified_at TIMESTAMPTZ
		);
	`)
	if err != nil {
		return fmt.Errorf("domaindb: migrate: %w", err)
	}
	return nil
}

// GetWispDomain looks up a platform subdomain. Returns (nil, nil) when the
// domain is not registered.
func (d *DB) GetWispDomain(ctx context.Context, domain string) (*WispDomain, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT domain, did, site_name FROM wisp_domain WHERE domain = $1`,
		strings.ToLower(domain))
	var w WispDomain
	if err := row.Scan(&w.Domain, &w.DID, &w.SiteName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("domaindb: wisp_domain %q: %w", domain, err)
	}
	return &w, nil
}

const customDomainCols = `id, domain, did, site_name, verified, last_verified_at`

func scanCustomDomain(row pgx.Row) (*CustomDomain, error) {
	var c CustomDomain
	if err := row.Scan(&c.ID, &c.Domain, &c.DID, &c.SiteName, &c.Verified, &c.LastVerifiedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// GetCustomDomain looks up a custom domain by its (lowercased) name.
func (d *DB) GetCustomDomain(ctx context.Context, domain string) (*CustomDomain, error) {
	c, err := scanCustomDomain(d.pool.QueryRow(ctx,
		`SELECT `+customDomainCols+` FROM custom_domain WHERE domain = $1`,
		strings.ToLower(domain)))
	if err != nil {
		return nil, fmt.Errorf("domaindb: custom_domain %q: %w", domain, err)
	}
	return c, nil
}

// GetCustomDomainByHash looks up a custom domain by its id, as used by the
// <hash>.dns.<base-host> CNAME target.
func (d *DB) GetCustomDomainByHash(ctx context.Context, hash string) (*CustomDomain, error) {
	c, err := scanCustomDomain(d.pool.QueryRow(ctx,
		`SELECT `+customDomainCols+` FROM custom_domain WHERE id = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("domaindb: custom_domain hash %q: %w", hash, err)
	}
	return c, nil
}

// ListVerifiedCustomDomains returns every row the DNS verifier must
// re-check.
func (d *DB) ListVerifiedCustomDomains(ctx context.Context) ([]CustomDomain, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+customDomainCols+` FROM custom_domain WHERE verified = true`)
	if err != nil {
		return nil, fmt.Errorf("domaindb: listing verified domains: %w", err)
	}
	defer rows.Close()
	var out []CustomDomain
	for rows.Next() {
		c, err := scanCustomDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("domaindb: scanning custom_domain: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetDomainVerification records the outcome of one verification pass.
func (d *DB) SetDomainVerification(ctx context.Context, id string, verified bool) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE custom_domain SET verified = $2, last_verified_at = now() WHERE id = $1`,
		id, verified)
	if err != nil {
		return fmt.Errorf("domaindb: updating verification for %q: %w", id, err)
	}
	return nil
}

// UpsertSite records a site after ingestion, refreshing the display name
// and updated_at on conflict.
func (d *DB) UpsertSite(ctx context.Context, did, name, displayName string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO site (did, site_name, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (did, site_name)
		DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = now()`,
		did, name, displayName)
	if err != nil {
		return fmt.Errorf("domaindb: upserting site %s/%s: %w", did, name, err)
	}
	return nil
}

// DeleteSite removes the row for a deleted record.
func (d *DB) DeleteSite(ctx context.Context, did, name string) error {
	_, err := d.pool.Exec(ctx,
		`DELETE FROM site WHERE did = $1 AND site_name = $2`, did, name)
	if err != nil {
		return fmt.Errorf("domaindb: deleting site %s/%s: %w", did, name, err)
	}
	return nil
}

// ListSites returns every known site, for the startup backfill.
func (d *DB) ListSites(ctx context.Context) ([]Site, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT did, site_name, display_name, created_at, updated_at FROM site`)
	if err != nil {
		return nil, fmt.Errorf("domaindb: listing sites: %w", err)
	}
	defer rows.Close()
	var out []Site
	for rows.Next() {
		var s Site
		if err := rows.Scan(&s.DID, &s.Name, &s.DisplayName, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("domaindb: scanning site: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
