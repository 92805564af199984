// ABOUTME: Tests for key hashing, the local locker, Run, and (when configured) Postgres locks

package lock

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPair(t *testing.T) {
	hi1, lo1 := KeyPair("job:auto-close")
	hi2, lo2 := KeyPair("job:auto-close")
	assert.Equal(t, hi1, hi2)
	assert.Equal(t, lo1, lo2)
	assert.NotEqual(t, hi1, lo1, "halves use independent seeds")

	hi3, lo3 := KeyPair("job:archive")
	assert.False(t, hi1 == hi3 && lo1 == lo3)
}

func TestKeyPair_KnownJobKeysDistinct(t *testing.T) {
	seen := map[[2]int32]string{}
	for _, key := range []string{"job:auto-close", "job:archive", "job:purge"} {
		hi, lo := KeyPair(key)
		pair := [2]int32{hi, lo}
		prev, dup := seen[pair]
		require.False(t, dup, "%s collides with %s", key, prev)
		seen[pair] = key
	}
}

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.TryLock(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	release()
	release() // second call is a no-op

	_, ok, err = l.TryLock(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_ConcurrentExactlyOne(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var ran atomic.Int32
	inside := make(chan struct{})
	proceed := make(chan struct{})

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		outcomes[0], _ = Run(ctx, l, "job", func(ctx context.Context) error {
			ran.Add(1)
			close(inside)
			<-proceed
			return nil
		})
	}()

	<-inside
	wg.Add(1)
	go func() {
		defer wg.Done()
		outcomes[1], _ = Run(ctx, l, "job", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		close(proceed)
	}()

	wg.Wait()
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, Ran, outcomes[0])
	assert.Equal(t, Skipped, outcomes[1])
}

func TestRun_ReleasesOnError(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	boom := errors.New("boom")

	outcome, err := Run(ctx, l, "job", func(ctx context.Context) error { return boom })
	assert.Equal(t, Ran, outcome)
	assert.ErrorIs(t, err, boom)

	outcome, err = Run(ctx, l, "job", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Ran, outcome, "lock was released after the failed run")
}

func TestRun_ReleasesOnPanic(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = Run(ctx, l, "job", func(ctx context.Context) error { panic("x") })
	})

	_, ok, err := l.TryLock(ctx, "job")
	require.NoError(t, err)
	assert.True(t, ok)
}

type failingLocker struct{}

func (failingLocker) TryLock(context.Context, string) (ReleaseFunc, bool, error) {
	return nil, false, errors.New("db down")
}

func TestRun_LockError(t *testing.T) {
	called := false
	outcome, err := Run(context.Background(), failingLocker{}, "job", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, Skipped, outcome)
	assert.False(t, called)
}

// Runs against a real server when ATENDE_TEST_POSTGRES_DSN is set.
func TestPostgresLocker_ExactlyOne(t *testing.T) {
	dsn := os.Getenv("ATENDE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ATENDE_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := NewPostgresLocker(db, nil)
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "test:exactly-one")
	require.NoError(t, err)
	require.True(t, ok)

	// A second session must be refused while the first holds the lock.
	_, ok, err = l.TryLock(ctx, "test:exactly-one")
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := l.TryLock(ctx, "test:exactly-one")
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
