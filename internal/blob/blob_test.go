package blob

import (
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

func TestComputeContentID_Deterministic(t *testing.T) {
	a, err := ComputeContentID([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ComputeContentID([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("same bytes produced different ids: %q vs %q", a, b)
	}
	c, err := ComputeContentID([]byte("hello worle"))
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Errorf("different bytes produced the same id: %q", a)
	}
}

func TestComputeContentID_Prefix(t *testing.T) {
	id, err := ComputeContentID([]byte{0x1f, 0x8b, 0x08, 0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "bafkrei") {
		t.Errorf("id = %q, want bafkrei prefix", id)
	}
	if _, err := Parse(id); err != nil {
		t.Errorf("Parse(%q): %v", id, err)
	}
}

func TestExtractContentID(t *testing.T) {
	sum, err := mh.Sum([]byte("hello world"), mh.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	cidObj := cid.NewCidV1(cid.Raw, sum)
	want := cidObj.String()

	for _, ref := range []any{
		map[string]any{"$link": want},
		map[string]any{"ref": map[string]any{"$link": want}},
		map[string]any{"ref": cidObj},
		map[string]any{"cid": want},
	} {
		if got := ExtractContentID(ref); got != want {
			t.Errorf("ExtractContentID(%v) = %q, want %q", ref, got, want)
		}
	}

	for _, ref := range []any{
		map[string]any{},
		nil,
		"a string",
		123,
	} {
		if got := ExtractContentID(ref); got != "" {
			t.Errorf("ExtractContentID(%v) = %q, want empty", ref, got)
		}
	}
}
