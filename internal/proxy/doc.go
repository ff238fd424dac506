// Package proxy is the RPC facade in front of the per-vault event stores.
//
// It resolves an inbound (namespace, user id, public key) address to the
// owning durable actor, serializes access through the actor arena, and maps
// every failure to a stable wire error kind so clients can branch on kind
// without parsing messages. The proxy itself holds no per-user state; any
// instance computes the same actor address for the same input.
package proxy
