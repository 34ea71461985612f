package sitestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"

	"github.com/WaveringAna/wisp-edge/internal/blob"
	"github.com/WaveringAna/wisp-edge/internal/fetch"
	"github.com/WaveringAna/wisp-edge/internal/manifest"
)

const testDID = "did:plc:ab12cd34ef56gh78ij90kl12"

// blobServer serves com.atproto.sync.getBlob from an in-memory map and
// counts requests per content id.
type blobServer struct {
	mu    sync.Mutex
	blobs map[string][]byte
	hits  map[string]int
	fail  map[string]bool
}

func newBlobServer() *blobServer {
	return &blobServer{
		blobs: make(map[string][]byte),
		hits:  make(map[string]int),
		fail:  make(map[string]bool),
	}
}

func (b *blobServer) add(t *testing.T, data []byte) string {
	t.Helper()
	cid, err := blob.ComputeContentID(data)
	if err != nil {
		t.Fatalf("ComputeContentID: %v", err)
	}
	b.mu.Lock()
	b.blobs[cid] = data
	b.mu.Unlock()
	return cid
}

func (b *blobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cid := r.URL.Query().Get("cid")
	b.mu.Lock()
	b.hits[cid]++
	data, ok := b.blobs[cid]
	failing := b.fail[cid]
	b.mu.Unlock()
	if failing {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (b *blobServer) hitCount(cid string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[cid]
}

func fileNode(cid string, opts ...func(map[string]any)) map[string]any {
	n := map[string]any{
		"$type": "place.wisp.site#file",
		"blob": map[string]any{
			"$type": "blob",
			"ref":   map[string]any{"$link": cid},
		},
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func withEncoding(enc string) func(map[string]any) {
	return func(n map[string]any) { n["encoding"] = enc }
}

func withMime(mt string) func(map[string]any) {
	return func(n map[string]any) { n["mimeType"] = mt }
}

func withBase64() func(map[string]any) {
	return func(n map[string]any) { n["base64"] = true }
}

func siteRecord(t *testing.T, name string, entries []map[string]any, settings *manifest.Settings) *manifest.Site {
	t.Helper()
	rec := map[string]any{
		"$type":     manifest.Collection,
		"site":      name,
		"createdAt": "2026-08-01T00:00:00Z",
		"root": map[string]any{
			"$type":   "place.wisp.site#directory",
			"entries": entries,
		},
	}
	if settings != nil {
		rec["settings"] = settings
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	site, err := manifest.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return site
}

func entry(name string, node map[string]any) map[string]any {
	return map[string]any{"name": name, "node": node}
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestStore(t *testing.T, bs *blobServer) (*Store, string) {
	t.Helper()
	srv := httptest.NewServer(bs)
	t.Cleanup(srv.Close)
	st := New(t.TempDir(), fetch.New(fetch.AllowPrivate()))
	return st, srv.URL
}

func TestMaterializeFreshSite(t *testing.T) {
	bs := newBlobServer()
	htmlGz := gzipped(t, []byte("<h1>hi</h1>"))
	htmlCID := bs.add(t, htmlGz)
	pngCID := bs.add(t, []byte{0x89, 'P', 'N', 'G'})

	rec := siteRecord(t, "blog", []map[string]any{
		entry("index.html", fileNode(htmlCID, withEncoding("gzip"), withMime("text/html"))),
		entry("img", map[string]any{
			"$type": "place.wisp.site#directory",
			"entries": []map[string]any{
				entry("logo.png", fileNode(pngCID, withMime("image/png"))),
			},
		}),
	}, &manifest.Settings{CleanURLs: true})

	st, pds := newTestStore(t, bs)
	if err := st.Materialize(context.Background(), testDID, "blog", rec, "recordcid1", pds); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if !st.IsCached(testDID, "blog") {
		t.Fatal("site not cached after Materialize")
	}

	// html stays gzipped on disk with a sidecar
	path, err := st.CachedFilePath(testDID, "blog", "/index.html")
	if err != nil {
		t.Fatal(err)
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, htmlGz) {
		t.Error("compressible file was not stored gzipped")
	}
	meta, err := ReadFileMeta(path)
	if err != nil {
		t.Fatal(err)
	}
	want := FileMeta{Encoding: "gzip", MimeType: "text/html"}
	if diff := cmp.Diff(want, meta); diff != "" {
		t.Errorf("file meta mismatch (-want +got):\n%s", diff)
	}

	plain, _, err := st.DecodedFile(testDID, "blog", "index.html")
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "<h1>hi</h1>" {
		t.Errorf("DecodedFile = %q", plain)
	}

	snap, err := st.ReadSnapshotMeta(testDID, "blog")
	if err != nil {
		t.Fatal(err)
	}
	if snap.RecordCID != "recordcid1" || snap.RKey != "blog" || snap.DID != testDID {
		t.Errorf("snapshot descriptor = %+v", snap)
	}
	if snap.FileCIDs["img/logo.png"] != pngCID {
		t.Errorf("FileCIDs[img/logo.png] = %q, want %q", snap.FileCIDs["img/logo.png"], pngCID)
	}

	cfg, err := st.Settings(testDID, "blog")
	if err != nil {
		t.Fatal(err)
	}
	if cfg == nil || !cfg.CleanURLs {
		t.Errorf("Settings = %+v, want CleanURLs", cfg)
	}
}

func TestMaterializeIncrementalReuse(t *testing.T) {
	bs := newBlobServer()
	keptCID := bs.add(t, []byte("kept content"))
	oldCID := bs.add(t, []byte("old content"))
	newCID := bs.add(t, []byte("new content"))

	st, pds := newTestStore(t, bs)
	ctx := context.Background()

	v1 := siteRecord(t, "blog", []map[string]any{
		entry("kept.txt", fileNode(keptCID)),
		entry("changed.txt", fileNode(oldCID)),
	}, nil)
	if err := st.Materialize(ctx, testDID, "blog", v1, "cid1", pds); err != nil {
		t.Fatal(err)
	}

	v2 := siteRecord(t, "blog", []map[string]any{
		entry("kept.txt", fileNode(keptCID)),
		entry("changed.txt", fileNode(newCID)),
	}, nil)
	if err := st.Materialize(ctx, testDID, "blog", v2, "cid2", pds); err != nil {
		t.Fatal(err)
	}

	if got := bs.hitCount(keptCID); got != 1 {
		t.Errorf("unchanged blob downloaded %d times, want 1", got)
	}
	if got := bs.hitCount(newCID); got != 1 {
		t.Errorf("new blob downloaded %d times, want 1", got)
	}

	data, _, err := st.DecodedFile(testDID, "blog", "changed.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new content" {
		t.Errorf("changed.txt = %q", data)
	}
}

func TestMaterializeRedownloadsMissingReuseSource(t *testing.T) {
	bs := newBlobServer()
	cid := bs.add(t, []byte("page body"))

	st, pds := newTestStore(t, bs)
	ctx := context.Background()

	rec := siteRecord(t, "blog", []map[string]any{
		entry("index.html", fileNode(cid)),
	}, nil)
	if err := st.Materialize(ctx, testDID, "blog", rec, "cid1", pds); err != nil {
		t.Fatal(err)
	}

	// Drop the data file but keep the descriptor, as a partial cleanup
	// would. The matching content id must not short-circuit the download.
	path, err := st.CachedFilePath(testDID, "blog", "/index.html")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	if err := st.Materialize(ctx, testDID, "blog", rec, "cid1", pds); err != nil {
		t.Fatalf("re-materialize with missing file: %v", err)
	}

	data, _, err := st.DecodedFile(testDID, "blog", "index.html")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "page body" {
		t.Errorf("index.html = %q", data)
	}
	if got := bs.hitCount(cid); got != 2 {
		t.Errorf("blob downloaded %d times, want 2", got)
	}
}

func TestMaterializeSharedBlobDownloadsOnce(t *testing.T) {
	bs := newBlobServer()
	cid := bs.add(t, []byte("shared"))

	rec := siteRecord(t, "s", []map[string]any{
		entry("a.txt", fileNode(cid)),
		entry("b.txt", fileNode(cid)),
	}, nil)

	st, pds := newTestStore(t, bs)
	if err := st.Materialize(context.Background(), testDID, "s", rec, "c", pds); err != nil {
		t.Fatal(err)
	}
	if got := bs.hitCount(cid); got != 1 {
		t.Errorf("shared blob downloaded %d times, want 1", got)
	}
	for _, p := range []string{"a.txt", "b.txt"} {
		data, _, err := st.DecodedFile(testDID, "s", p)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "shared" {
			t.Errorf("%s = %q", p, data)
		}
	}
}

func TestMaterializeFailureKeepsPreviousSnapshot(t *testing.T) {
	bs := newBlobServer()
	okCID := bs.add(t, []byte("v1"))
	badCID := bs.add(t, []byte("v2"))

	st, pds := newTestStore(t, bs)
	ctx := context.Background()

	v1 := siteRecord(t, "blog", []map[string]any{entry("f.txt", fileNode(okCID))}, nil)
	if err := st.Materialize(ctx, testDID, "blog", v1, "cid1", pds); err != nil {
		t.Fatal(err)
	}

	bs.mu.Lock()
	bs.fail[badCID] = true
	bs.mu.Unlock()

	v2 := siteRecord(t, "blog", []map[string]any{entry("f.txt", fileNode(badCID))}, nil)
	if err := st.Materialize(ctx, testDID, "blog", v2, "cid2", pds); err == nil {
		t.Fatal("expected error from failed blob download")
	}

	snap, err := st.ReadSnapshotMeta(testDID, "blog")
	if err != nil {
		t.Fatal(err)
	}
	if snap.RecordCID != "cid1" {
		t.Errorf("RecordCID = %q, want previous snapshot cid1", snap.RecordCID)
	}
	data, _, err := st.DecodedFile(testDID, "blog", "f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v1" {
		t.Errorf("f.txt = %q, want old content", data)
	}

	// no staging or backup directories left behind
	dir, err := st.SiteDir(testDID, "blog")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Dir(dir))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") || strings.Contains(e.Name(), ".old-") {
			t.Errorf("leftover directory %q after failed swap", e.Name())
		}
	}
}

func TestMaterializeBase64Blob(t *testing.T) {
	bs := newBlobServer()
	payload := []byte("decoded payload")
	cid := bs.add(t, []byte(base64.StdEncoding.EncodeToString(payload)))

	rec := siteRecord(t, "s", []map[string]any{
		entry("f.bin", fileNode(cid, withBase64())),
	}, nil)

	st, pds := newTestStore(t, bs)
	if err := st.Materialize(context.Background(), testDID, "s", rec, "c", pds); err != nil {
		t.Fatal(err)
	}
	data, _, err := st.DecodedFile(testDID, "s", "f.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("stored %q, want decoded payload", data)
	}
}

func TestMaterializeDecompressesIncompressibleTypes(t *testing.T) {
	bs := newBlobServer()
	img := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3}
	cid := bs.add(t, gzipped(t, img))

	rec := siteRecord(t, "s", []map[string]any{
		entry("photo.jpg", fileNode(cid, withEncoding("gzip"), withMime("image/jpeg"))),
	}, nil)

	st, pds := newTestStore(t, bs)
	if err := st.Materialize(context.Background(), testDID, "s", rec, "c", pds); err != nil {
		t.Fatal(err)
	}

	path, err := st.CachedFilePath(testDID, "s", "photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, img) {
		t.Error("incompressible file should be stored decompressed")
	}
	meta, err := ReadFileMeta(path)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Encoding != "" {
		t.Errorf("meta.Encoding = %q, want none after decompression", meta.Encoding)
	}
}

func TestRedirectsFile(t *testing.T) {
	bs := newBlobServer()
	cid := bs.add(t, []byte("/old  /new  301\n/gone  /  404\n"))

	rec := siteRecord(t, "s", []map[string]any{
		entry("_redirects", fileNode(cid)),
	}, nil)

	st, pds := newTestStore(t, bs)
	if err := st.Materialize(context.Background(), testDID, "s", rec, "c", pds); err != nil {
		t.Fatal(err)
	}
	rules := st.Redirects(testDID, "s")
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0].From != "/old" || rules[0].To != "/new" || rules[0].Status != 301 {
		t.Errorf("rule 0 = %+v", rules[0])
	}
}

func TestRemove(t *testing.T) {
	bs := newBlobServer()
	cid := bs.add(t, []byte("x"))
	rec := siteRecord(t, "s", []map[string]any{entry("f", fileNode(cid))}, nil)

	st, pds := newTestStore(t, bs)
	if err := st.Materialize(context.Background(), testDID, "s", rec, "c", pds); err != nil {
		t.Fatal(err)
	}
	if err := st.Remove(testDID, "s"); err != nil {
		t.Fatal(err)
	}
	if st.IsCached(testDID, "s") {
		t.Error("site still cached after Remove")
	}
}

func TestCachedFilePathRejectsTraversal(t *testing.T) {
	st := New(t.TempDir(), nil)
	path, err := st.CachedFilePath(testDID, "s", "/../../etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	dir, _ := st.SiteDir(testDID, "s")
	if !strings.HasPrefix(path, dir) {
		t.Errorf("traversal escaped site dir: %q", path)
	}
	if strings.Contains(path, "..") {
		t.Errorf("path retains dot-dot: %q", path)
	}
}

func TestSiteDirValidation(t *testing.T) {
	st := New(t.TempDir(), nil)
	for _, tc := range []struct{ did, site string }{
		{"did/evil", "s"},
		{"..", "s"},
		{testDID, ".."},
		{testDID, "a/b"},
		{testDID, ""},
	} {
		if _, err := st.SiteDir(tc.did, tc.site); err == nil {
			t.Errorf("SiteDir(%q, %q) accepted invalid input", tc.did, tc.site)
		}
	}
}

func TestReadSnapshotMetaNotCached(t *testing.T) {
	st := New(t.TempDir(), nil)
	if _, err := st.ReadSnapshotMeta(testDID, "nope"); err != ErrNotCached {
		t.Errorf("err = %v, want ErrNotCached", err)
	}
}

func TestOwners(t *testing.T) {
	bs := newBlobServer()
	cid := bs.add(t, []byte("x"))
	st, pds := newTestStore(t, bs)
	ctx := context.Background()
	for _, site := range []string{"a", "b"} {
		rec := siteRecord(t, site, []map[string]any{entry("f", fileNode(cid))}, nil)
		if err := st.Materialize(ctx, testDID, site, rec, "c", pds); err != nil {
			t.Fatal(err)
		}
	}
	owners, err := st.Owners()
	if err != nil {
		t.Fatal(err)
	}
	if len(owners[testDID]) != 2 {
		t.Errorf("Owners()[%s] = %v, want two sites", testDID, owners[testDID])
	}
}
