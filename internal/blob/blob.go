// Package blob computes and extracts content identifiers for site files.
//
// Blobs are content-addressed: the identifier is a CIDv1 with the raw codec
// and a sha2-256 multihash, rendered in lowercase base32 ("bafkrei…").
// Equal identifiers imply byte-equal content.
package blob

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ComputeContentID returns the content identifier for data.
func ComputeContentID(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hashing blob: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Parse reports whether s is a well-formed content identifier.
func Parse(s string) (cid.Cid, error) {
	return cid.Decode(s)
}

// ExtractContentID pulls the content identifier out of a blob reference in
// any of the shapes that appear in repo records:
//
//	{"$link": "<cid>"}
//	{"ref": {"$link": "<cid>"}} or {"ref": <cid>}
//	{"cid": "<cid>"}
//
// It returns "" when ref carries no recognizable identifier.
func ExtractContentID(ref any) string {
	switch v := ref.(type) {
	case cid.Cid:
		return v.String()
	case string:
		// Bare strings are not blob references.
		return ""
	case map[string]any:
		if s, ok := v["$link"].(string); ok {
			return s
		}
		if inner, ok := v["ref"]; ok {
			switch r := inner.(type) {
			case string:
				return r
			case cid.Cid:
				return r.String()
			case map[string]any:
				if s, ok := r["$link"].(string); ok {
					return s
				}
			}
		}
		if s, ok := v["cid"].(string); ok {
			return s
		}
	}
	return ""
}
