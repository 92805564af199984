package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/atende-gateway/internal/lock"
)

type countingJob struct {
	name string
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(context.Context) (Stats, error) {
	n := j.runs.Add(1)
	return Stats{Examined: int(n)}, j.err
}

func TestScheduler_RunOnce(t *testing.T) {
	job := &countingJob{name: "count"}
	s := NewScheduler(lock.NewLocalLocker(), nil, Entry{Job: job})

	outcome, stats, err := s.RunOnce(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, lock.Ran, outcome)
	assert.Equal(t, 1, stats.Examined)
	assert.Equal(t, []string{"count"}, s.Names())
}

func TestScheduler_RunOnceSkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewLocalLocker()
	job := &countingJob{name: "count"}
	s := NewScheduler(locker, nil, Entry{Job: job})

	release, ok, err := locker.TryLock(context.Background(), "job:count")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	outcome, _, err := s.RunOnce(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, lock.Skipped, outcome)
	assert.Zero(t, job.runs.Load())
}

func TestScheduler_RunOnceUnknownJob(t *testing.T) {
	s := NewScheduler(lock.NewLocalLocker(), nil)
	_, _, err := s.RunOnce(context.Background(), "nope")
	assert.Error(t, err)
}

func TestScheduler_RunOncePropagatesJobError(t *testing.T) {
	job := &countingJob{name: "count", err: errors.New("boom")}
	s := NewScheduler(lock.NewLocalLocker(), nil, Entry{Job: job})

	outcome, _, err := s.RunOnce(context.Background(), "count")
	assert.Equal(t, lock.Ran, outcome)
	assert.EqualError(t, err, "boom")
}

func TestScheduler_RunTicksUntilCanceled(t *testing.T) {
	ticked := &countingJob{name: "ticked", err: errors.New("keeps going")}
	manual := &countingJob{name: "manual"}
	s := NewScheduler(lock.NewLocalLocker(), nil,
		Entry{Job: ticked, Interval: 5 * time.Millisecond},
		Entry{Job: manual},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return ticked.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Zero(t, manual.runs.Load())
}
