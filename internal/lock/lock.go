// ABOUTME: Non-blocking advisory lock contract and the guarded-run helper
// ABOUTME: String keys map to two int32 halves via independently seeded FNV-1a hashes

package lock

import (
	"context"
	"hash/fnv"
)

// Outcome reports whether a guarded function ran.
type Outcome int

const (
	// Ran means the lock was acquired and fn executed.
	Ran Outcome = iota
	// Skipped means another holder had the lock; fn did not execute.
	Skipped
)

func (o Outcome) String() string {
	if o == Skipped {
		return "skipped"
	}
	return "ran"
}

// ReleaseFunc releases a held lock. It is safe to call once.
type ReleaseFunc func()

// Locker acquires named locks without waiting.
type Locker interface {
	// TryLock returns acquired=false when another holder has the key.
	TryLock(ctx context.Context, key string) (release ReleaseFunc, acquired bool, err error)
}

// Seeds prefixed to the key for each half. Changing either remaps every lock.
var (
	seedHigh = []byte{0x61, 0x74, 0x6e, 0x01}
	seedLow  = []byte{0x61, 0x74, 0x6e, 0x02}
)

// KeyPair derives the two int32 halves of the advisory key for a string.
func KeyPair(key string) (int32, int32) {
	return seededHash(seedHigh, key), seededHash(seedLow, key)
}

func seededHash(seed []byte, key string) int32 {
	h := fnv.New32a()
	_, _ = h.Write(seed)
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32())
}

// Run executes fn while holding key. When the lock is held elsewhere it
// returns Skipped without calling fn. The lock is always released after fn.
func Run(ctx context.Context, locker Locker, key string, fn func(ctx context.Context) error) (Outcome, error) {
	release, acquired, err := locker.TryLock(ctx, key)
	if err != nil {
		return Skipped, err
	}
	if !acquired {
		return Skipped, nil
	}
	defer release()

	return Ran, fn(ctx)
}
