// Package workflow runs durable, multi-step background procedures.
//
// A workflow is a named, fixed sequence of steps keyed by the entity it acts
// on. The runner persists a step cursor through the store after each
// completed step, so a process crash resumes at the last durably recorded
// step instead of replaying completed effects. Triggering an already-running
// instance returns the existing handle rather than starting a duplicate.
package workflow
