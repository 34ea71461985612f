package pglock

import "testing"

func TestKeyID_PositiveAndStable(t *testing.T) {
	keys := []string{
		"db:upsert:did:plc:u1:blog",
		"db:upsert:did:plc:u1:docs",
		"",
		"x",
	}
	seen := make(map[int64]string)
	for _, k := range keys {
		id := KeyID(k)
		if id < 0 {
			t.Errorf("KeyID(%q) = %d, want non-negative", k, id)
		}
		if id != KeyID(k) {
			t.Errorf("KeyID(%q) not deterministic", k)
		}
		if prev, ok := seen[id]; ok {
			t.Errorf("KeyID collision between %q and %q", prev, k)
		}
		seen[id] = k
	}
}
