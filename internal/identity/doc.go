// Package identity derives the durable addresses that route sync traffic.
//
// Two address kinds exist:
//   - UserID: one per (namespace, user) pair, stable for the user's lifetime.
//   - ObjectID: one per (namespace, user, device public key) triple. This is
//     the sharding key for the event log - every device key owns its own
//     durable actor.
//
// Both derivations are pure functions over their inputs: SHA-256 with domain
// separation over NFC-normalized, length-prefixed fields. Identical inputs
// always produce identical ids, which is what lets a restarted proxy route
// repeated calls to the same actor.
//
// The newtypes have no exported constructors. The only way to obtain a valid
// id is through DeriveUserID / DeriveObjectID, so an id in hand is always a
// well-formed derivation, never an arbitrary string.
package identity
