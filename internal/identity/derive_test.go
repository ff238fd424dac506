package identity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDeriveUserID_Deterministic verifies identical inputs produce identical ids.
func TestDeriveUserID_Deterministic(t *testing.T) {
	a := DeriveUserID("prod", "alice")
	b := DeriveUserID("prod", "alice")
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a.String())
}

// TestDeriveUserID_Injective verifies distinct inputs never collide,
// including inputs crafted to probe field-boundary ambiguity.
func TestDeriveUserID_Injective(t *testing.T) {
	inputs := [][2]string{
		{"prod", "alice"},
		{"prod", "bob"},
		{"staging", "alice"},
		{"pro", "dalice"},  // boundary shift
		{"proda", "lice"},  // boundary shift
		{"prod", "alice "}, // trailing space is significant
		{"", "alice"},
		{"prod", ""},
	}

	seen := make(map[string][2]string)
	for _, in := range inputs {
		id := DeriveUserID(in[0], in[1]).String()
		prev, dup := seen[id]
		require.False(t, dup, "collision between %v and %v", prev, in)
		seen[id] = in
	}
}

// TestDeriveObjectID_DistinctPerPublicKey verifies the device key shards
// the same user onto distinct actors.
func TestDeriveObjectID_DistinctPerPublicKey(t *testing.T) {
	base := DeriveObjectID("prod", "alice", "pk-1")

	assert.Equal(t, base, DeriveObjectID("prod", "alice", "pk-1"))
	assert.NotEqual(t, base, DeriveObjectID("prod", "alice", "pk-2"))
	assert.NotEqual(t, base, DeriveObjectID("prod", "bob", "pk-1"))
}

// TestDeriveObjectID_ManyKeysNoCollision exercises a larger input set.
func TestDeriveObjectID_ManyKeysNoCollision(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := DeriveObjectID("prod", "alice", fmt.Sprintf("pk-%d", i)).String()
		require.False(t, seen[id], "collision at key %d", i)
		seen[id] = true
	}
	assert.Len(t, seen, 100)
}

// TestDerive_NFCNormalization verifies composed and decomposed forms of the
// same text derive the same address.
func TestDerive_NFCNormalization(t *testing.T) {
	// U+00E9 (é) vs U+0065 U+0301 (e + combining acute)
	composed := DeriveUserID("prod", "rené")
	decomposed := DeriveUserID("prod", "rené")
	assert.Equal(t, composed, decomposed)
}

// TestStoredObjectID_RoundTrip verifies persisted ids rebuild equal.
func TestStoredObjectID_RoundTrip(t *testing.T) {
	id := DeriveObjectID("prod", "alice", "pk-1")
	rebuilt := StoredObjectID(id.String())
	assert.Equal(t, id, rebuilt)
	assert.False(t, rebuilt.IsZero())
	assert.True(t, ObjectID{}.IsZero())
}
