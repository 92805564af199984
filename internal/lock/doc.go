// Package lock guards periodic work so only one replica runs it at a time.
//
// Locks are try-only: a caller that does not get the lock skips the work for
// this tick instead of waiting. PostgresLocker maps a string key to the
// compound (int32, int32) advisory key through KeyPair and holds it on a
// dedicated session. LocalLocker provides the same contract in-process for
// single-replica SQLite deployments.
//
// Run wraps the acquire/execute/release sequence.
package lock
