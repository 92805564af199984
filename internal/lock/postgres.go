// ABOUTME: Postgres session-level advisory lock using pg_try_advisory_lock(int, int)
// ABOUTME: Each held lock pins one pooled connection until release

package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const releaseTimeout = 5 * time.Second

// PostgresLocker takes advisory locks on dedicated sessions from the pool.
type PostgresLocker struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresLocker creates a locker over the given pool.
func NewPostgresLocker(db *sql.DB, logger *slog.Logger) *PostgresLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLocker{db: db, logger: logger.With("component", "lock")}
}

// TryLock attempts the lock once and never waits for another holder.
func (l *PostgresLocker) TryLock(ctx context.Context, key string) (ReleaseFunc, bool, error) {
	hi, lo := KeyPair(key)

	// Session locks belong to a connection, so acquire and release must share one.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock session: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, hi, lo).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("trying advisory lock %q: %w", key, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.unlock(conn, key, hi, lo)
		})
	}
	return release, true, nil
}

func (l *PostgresLocker) unlock(conn *sql.Conn, key string, hi, lo int32) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	var released bool
	err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1, $2)`, hi, lo).Scan(&released)
	if err != nil || !released {
		l.logger.Error("advisory unlock failed, discarding session", "key", key, "released", released, "error", err)
		// A session that may still hold the lock must not go back to the pool.
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}
