// Package sitestore owns the on-disk cache of materialized sites.
//
// Layout under the cache root:
//
//	<root>/<did>/<site>/<path>          file content (possibly gzipped)
//	<root>/<did>/<site>/<path>.meta     optional {encoding?, mimeType?}
//	<root>/<did>/<site>/.metadata.json  snapshot descriptor
//	<root>/<did>/<site>/.settings.json  per-site routing settings
//
// Snapshots are replaced only by the atomic swap in Materialize; readers
// are kept away from the brief rename gap by the being-cached barrier.
package sitestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/WaveringAna/wisp-edge/internal/fetch"
	"github.com/WaveringAna/wisp-edge/internal/manifest"
	"github.com/WaveringAna/wisp-edge/internal/pathutil"
	"github.com/WaveringAna/wisp-edge/internal/redirects"
)

const (
	snapshotMetaFile = ".metadata.json"
	settingsFile     = ".settings.json"
	redirectsFile    = "_redirects"
	metaSuffix       = ".meta"
)

var (
	ErrInvalidOwner = errors.New("sitestore: invalid owner identifier")
	ErrInvalidSite  = errors.New("sitestore: invalid site name")
	ErrNotCached    = errors.New("sitestore: site not cached")
)

// Store reads and writes site snapshots below root.
type Store struct {
	root  string
	fetch *fetch.Client
}

func New(root string, fc *fetch.Client) *Store {
	return &Store{root: root, fetch: fc}
}

// Root returns the cache root path.
func (s *Store) Root() string { return s.root }

func validOwner(did string) bool {
	return pathutil.ValidIdentifier(did) &&
		!strings.ContainsAny(did, "/\\") &&
		did != "." && did != ".."
}

// SiteDir returns the snapshot directory for a site after validating both
// path components.
func (s *Store) SiteDir(did, site string) (string, error) {
	if !validOwner(did) {
		return "", fmt.Errorf("%w: %q", ErrInvalidOwner, did)
	}
	if !pathutil.ValidSiteName(site) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSite, site)
	}
	return filepath.Join(s.root, did, site), nil
}

// IsCached reports whether a snapshot directory with a descriptor exists.
func (s *Store) IsCached(did, site string) bool {
	dir, err := s.SiteDir(did, site)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, snapshotMetaFile))
	return err == nil
}

// CachedFilePath resolves a request path inside a snapshot. The request
// path is sanitized, so the result always lies under the site directory.
func (s *Store) CachedFilePath(did, site, reqPath string) (string, error) {
	dir, err := s.SiteDir(did, site)
	if err != nil {
		return "", err
	}
	clean := pathutil.SanitizePath(reqPath)
	if clean == "" {
		return dir, nil
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

// FileMeta is the optional sidecar describing how a file is stored.
type FileMeta struct {
	Encoding string `json:"encoding,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ReadFileMeta reads the sidecar for the file at path. A missing sidecar
// yields the zero meta.
func ReadFileMeta(path string) (FileMeta, error) {
	data, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return FileMeta{}, nil
		}
		return FileMeta{}, err
	}
	var m FileMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return FileMeta{}, fmt.Errorf("sitestore: parsing %s%s: %w", path, metaSuffix, err)
	}
	return m, nil
}

// SnapshotMeta is the snapshot descriptor written by Materialize. A
// snapshot is valid iff this file exists and its content ids match the
// manifest that produced it.
type SnapshotMeta struct {
	RecordCID string            `json:"recordCid"`
	CachedAt  int64             `json:"cachedAt"` // unix millis
	DID       string            `json:"did"`
	RKey      string            `json:"rkey"` // the record key, which is the site name
	FileCIDs  map[string]string `json:"fileCids"`
}

// ReadSnapshotMeta reads the snapshot descriptor. Returns ErrNotCached
// when the site has no snapshot.
func (s *Store) ReadSnapshotMeta(did, site string) (*SnapshotMeta, error) {
	dir, err := s.SiteDir(did, site)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, snapshotMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotCached
		}
		return nil, err
	}
	var m SnapshotMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("sitestore: parsing snapshot descriptor: %w", err)
	}
	return &m, nil
}

// Settings reads the per-site routing settings. Sites without settings
// yield (nil, nil).
func (s *Store) Settings(did, site string) (*manifest.Settings, error) {
	dir, err := s.SiteDir(did, site)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, settingsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg manifest.Settings
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("sitestore: parsing site settings: %w", err)
	}
	return &cfg, nil
}

// Redirects loads and parses the site's /_redirects file. Sites without
// one yield no rules.
func (s *Store) Redirects(did, site string) []redirects.Rule {
	data, _, err := s.DecodedFile(did, site, redirectsFile)
	if err != nil {
		return nil
	}
	return redirects.Parse(strings.NewReader(string(data)))
}

// DecodedFile returns the logical bytes of a site file, transparently
// gunzipping content that is stored compressed.
func (s *Store) DecodedFile(did, site, reqPath string) ([]byte, FileMeta, error) {
	path, err := s.CachedFilePath(did, site, reqPath)
	if err != nil {
		return nil, FileMeta{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, FileMeta{}, err
	}
	meta, err := ReadFileMeta(path)
	if err != nil {
		return nil, FileMeta{}, err
	}
	if meta.Encoding == "gzip" {
		zr, err := gzip.NewReader(strings.NewReader(string(data)))
		if err != nil {
			return nil, meta, fmt.Errorf("sitestore: gunzip %s: %w", reqPath, err)
		}
		defer zr.Close()
		plain, err := io.ReadAll(zr)
		if err != nil {
			return nil, meta, fmt.Errorf("sitestore: gunzip %s: %w", reqPath, err)
		}
		return plain, meta, nil
	}
	return data, meta, nil
}

// Remove deletes a site's snapshot, for upstream record deletions.
func (s *Store) Remove(did, site string) error {
	dir, err := s.SiteDir(did, site)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Owners lists the cached (did, site) pairs, for the admin surface.
func (s *Store) Owners() (map[string][]string, error) {
	out := make(map[string][]string)
	dids, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, d := range dids {
		if !d.IsDir() {
			continue
		}
		sites, err := os.ReadDir(filepath.Join(s.root, d.Name()))
		if err != nil {
			continue
		}
		for _, site := range sites {
			if site.IsDir() && !strings.Contains(site.Name(), ".tmp-") && !strings.Contains(site.Name(), ".old-") {
				out[d.Name()] = append(out[d.Name()], site.Name())
			}
		}
	}
	return out, nil
}
