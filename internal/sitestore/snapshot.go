package sitestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/WaveringAna/wisp-edge/internal/fetch"
	"github.com/WaveringAna/wisp-edge/internal/manifest"
	"github.com/WaveringAna/wisp-edge/internal/metrics"
	"github.com/WaveringAna/wisp-edge/internal/mimetype"
)

const (
	copyConcurrency     = 10
	downloadConcurrency = 3
	blobMaxBytes        = 500 << 20
	blobTimeout         = 5 * time.Minute
)

// Materialize downloads a site's blobs and replaces its snapshot in one
// atomic rename pair. Files whose content id is unchanged from the
// previous snapshot are copied locally instead of re-downloaded. On any
// failure the previous snapshot is left in place.
func (s *Store) Materialize(ctx context.Context, did, site string, rec *manifest.Site, recordCID, pdsURL string) error {
	dir, err := s.SiteDir(did, site)
	if err != nil {
		return err
	}
	files := rec.BlobMap()

	var prev *SnapshotMeta
	if m, err := s.ReadSnapshotMeta(did, site); err == nil {
		prev = m
	}

	tmp := fmt.Sprintf("%s.tmp-%d-%s", dir, time.Now().UnixMilli(), uuid.NewString()[:8])
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("sitestore: creating staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	var reuse []string
	// Deduplicate downloads so a blob shared by many paths transfers once.
	download := make(map[string][]string)
	refs := make(map[string]manifest.FileRef)
	for p, ref := range files {
		// Reuse only when the previous snapshot still has the bytes; a
		// matching content id with a missing file (pruned or partially
		// cleaned snapshot) must fall through to a fresh download.
		if ref.CID != "" && prev != nil && prev.FileCIDs[p] == ref.CID {
			if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(p))); err == nil {
				reuse = append(reuse, p)
				continue
			}
		}
		download[ref.CID] = append(download[ref.CID], p)
		refs[p] = ref
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(copyConcurrency)
	for _, p := range reuse {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src := filepath.Join(dir, filepath.FromSlash(p))
			dst := filepath.Join(tmp, filepath.FromSlash(p))
			if err := copyFile(src, dst); err != nil {
				return fmt.Errorf("sitestore: reusing %s: %w", p, err)
			}
			// the sidecar travels with the file; absence is fine
			if err := copyFile(src+metaSuffix, dst+metaSuffix); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("sitestore: reusing %s%s: %w", p, metaSuffix, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for cid, paths := range download {
		g.Go(func() error {
			data, err := s.getBlob(gctx, pdsURL, did, cid)
			if err != nil {
				return fmt.Errorf("sitestore: blob %s: %w", cid, err)
			}
			for _, p := range paths {
				if err := writeBlobFile(tmp, p, refs[p].File, data); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if rec.Settings != nil {
		data, err := json.Marshal(rec.Settings)
		if err != nil {
			return fmt.Errorf("sitestore: encoding site settings: %w", err)
		}
		if err := os.WriteFile(filepath.Join(tmp, settingsFile), data, 0o644); err != nil {
			return err
		}
	}

	meta := SnapshotMeta{
		RecordCID: recordCID,
		CachedAt:  time.Now().UnixMilli(),
		DID:       did,
		RKey:      site,
		FileCIDs:  make(map[string]string, len(files)),
	}
	for p, ref := range files {
		meta.FileCIDs[p] = ref.CID
	}
	data, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("sitestore: encoding snapshot descriptor: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, snapshotMetaFile), data, 0o644); err != nil {
		return err
	}

	return s.swap(dir, tmp, did, site)
}

// swap replaces dir with staged. The window where neither rename has
// completed is covered by the caller holding the being-cached barrier.
func (s *Store) swap(dir, staged, did, site string) error {
	var backup string
	if _, err := os.Stat(dir); err == nil {
		backup = fmt.Sprintf("%s.old-%d", dir, time.Now().UnixMilli())
		if err := os.Rename(dir, backup); err != nil {
			return fmt.Errorf("sitestore: moving previous snapshot aside: %w", err)
		}
	} else if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("sitestore: creating owner dir: %w", err)
	}
	if err := os.Rename(staged, dir); err != nil {
		if backup != "" {
			if rerr := os.Rename(backup, dir); rerr != nil {
				slog.Error("failed to restore previous snapshot",
					"did", did, "site", site, "error", rerr)
			}
		}
		return fmt.Errorf("sitestore: activating snapshot: %w", err)
	}
	if backup != "" {
		if err := os.RemoveAll(backup); err != nil {
			slog.Warn("failed to remove previous snapshot",
				"did", did, "site", site, "error", err)
		}
	}
	return nil
}

func (s *Store) getBlob(ctx context.Context, pdsURL, did, cid string) ([]byte, error) {
	u := fmt.Sprintf("%s/xrpc/com.atproto.sync.getBlob?did=%s&cid=%s",
		pdsURL, url.QueryEscape(did), url.QueryEscape(cid))
	data, err := s.fetch.Bytes(ctx, u, fetch.Options{MaxBytes: blobMaxBytes, Timeout: blobTimeout})
	if err != nil {
		return nil, err
	}
	metrics.CountBlobDownload(int64(len(data)))
	return data, nil
}

// writeBlobFile stores one blob payload under its site path, applying the
// manifest's base64 and gzip declarations. Content that gzip cannot help
// (media, archives) is stored decompressed; everything else stays gzipped
// on disk with a sidecar so responses can reuse the stored bytes.
func writeBlobFile(root, p string, f *manifest.File, data []byte) error {
	if f.Base64 {
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return fmt.Errorf("sitestore: base64 decode %s: %w", p, err)
		}
		data = decoded
	}

	meta := FileMeta{MimeType: f.BlobMimeType()}
	if f.Encoding == "gzip" {
		if mimetype.AlreadyCompressed(meta.MimeType) {
			plain, err := gunzip(data)
			if err != nil {
				return fmt.Errorf("sitestore: gunzip %s: %w", p, err)
			}
			data = plain
		} else {
			meta.Encoding = "gzip"
		}
	}

	dst := filepath.Join(root, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	if meta != (FileMeta{}) {
		enc, err := json.Marshal(&meta)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst+metaSuffix, enc, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
