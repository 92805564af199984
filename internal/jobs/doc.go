// Package jobs holds the periodic maintenance work of the gateway: closing
// stale hand-offs, timing out idle assistant sessions, archiving closed
// conversation logs to the blob store and purging archived detail rows.
//
// Every job runs under an advisory lock named after it, so with several
// replicas at most one of them executes a given job per tick. A replica that
// finds the lock held skips the tick. Failures on one record are logged and
// the job moves on to the next.
package jobs
