// Package event provides the record types shared across the sync core.
//
// This package contains type definitions only. All other internal packages
// import event; event imports nothing internal. This keeps the record layout
// the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Payloads are opaque to the core: a version tag plus raw bytes. The
//     application schema owns the content; the core only sizes and orders it.
//   - Ordering uses Seq (monotonic per actor), never wall-clock timestamps.
//   - All JSON tags use snake_case.
package event
