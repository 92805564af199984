// ABOUTME: Job contract and the per-run counters every job reports
// ABOUTME: Job names double as advisory lock keys and run-job CLI arguments

package jobs

import (
	"context"
	"fmt"
	"time"
)

// Job names.
const (
	NameAutoClose = "auto-close"
	NameArchive   = "archive"
	NamePurge     = "purge"
	NameAITimeout = "ai-timeout"
)

// Stats counts what one run did.
type Stats struct {
	Examined  int
	Processed int
	Failed    int
}

func (s Stats) String() string {
	return fmt.Sprintf("examined=%d processed=%d failed=%d", s.Examined, s.Processed, s.Failed)
}

// Job is one unit of periodic maintenance.
type Job interface {
	Name() string
	Run(ctx context.Context) (Stats, error)
}

// DefaultBatchSize caps the records one run touches.
const DefaultBatchSize = 100

func nowFunc(now func() time.Time) func() time.Time {
	if now != nil {
		return now
	}
	return func() time.Time { return time.Now().UTC() }
}
