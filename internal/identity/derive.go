package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for address derivation. Version suffix enables future
// algorithm migration without colliding with existing ids.
const (
	domainUser   = "vaultsync/user/v1"
	domainObject = "vaultsync/object/v1"
)

// UserID is the durable address of a user within a namespace.
type UserID struct {
	value string
}

// ObjectID is the durable address of one user-device event log.
// Distinct device public keys for the same user yield distinct ObjectIDs.
type ObjectID struct {
	value string
}

// String returns the hex-encoded id.
func (id UserID) String() string { return id.value }

// String returns the hex-encoded id.
func (id ObjectID) String() string { return id.value }

// IsZero reports whether the id is the zero value (never produced by Derive).
func (id ObjectID) IsZero() bool { return id.value == "" }

// DeriveUserID computes the durable user address for (namespace, userID).
// The derivation is deterministic: identical inputs always yield the
// identical id, with no randomness or wall-clock dependence.
func DeriveUserID(namespace, userID string) UserID {
	return UserID{value: deriveHex(domainUser, namespace, userID)}
}

// DeriveObjectID computes the durable actor address for a user-device pair.
// Varying publicKey for a fixed (namespace, userID) yields a distinct id,
// so each device key shards onto its own event log.
func DeriveObjectID(namespace, userID, publicKey string) ObjectID {
	return ObjectID{value: deriveHex(domainObject, namespace, userID, publicKey)}
}

// objectIDFromStored rebuilds an ObjectID from a value the store previously
// persisted. Unexported: only this package's collaborators reach it via
// StoredObjectID, keeping arbitrary strings out of the address space.
func objectIDFromStored(v string) ObjectID { return ObjectID{value: v} }

// StoredObjectID wraps a previously derived id read back from persistence.
// Callers must only pass values originally produced by DeriveObjectID.
func StoredObjectID(v string) ObjectID { return objectIDFromStored(v) }

// deriveHex hashes NFC-normalized, length-prefixed fields under a domain.
//
// Format: SHA256(domain || 0x00 || len(f1) || f1 || len(f2) || f2 ...)
// The null separator and per-field length prefixes prevent boundary
// ambiguity: ("ab","c") can never collide with ("a","bc").
func deriveHex(domain string, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})

	var lenBuf [8]byte
	for _, f := range fields {
		// NFC normalize at the hashing boundary so visually identical
		// inputs from different clients derive the same address.
		normalized := norm.NFC.String(f)
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(normalized)))
		h.Write(lenBuf[:])
		h.Write([]byte(normalized))
	}
	return hex.EncodeToString(h.Sum(nil))
}
