// Package dedupe provides the idempotency store that suppresses reprocessing
// of inbound messages redelivered by the channel within a TTL window.
//
// Keys are "tenantID:messageID". The store is purely advisory: a miss after
// expiry is acceptable, a hit for a key that was never marked is not.
package dedupe
