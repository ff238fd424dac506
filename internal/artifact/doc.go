// Package artifact stores vault attachments in an S3-compatible bucket.
//
// Artifacts are opaque blobs keyed under an object-id prefix, so destroying a
// vault reduces to removing everything under its prefix. The production
// implementation talks to MinIO (or any S3 endpoint); tests use the in-memory
// store.
package artifact
