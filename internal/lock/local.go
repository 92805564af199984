// ABOUTME: In-process Locker for single-replica deployments on SQLite

package lock

import (
	"context"
	"sync"
)

// LocalLocker excludes concurrent holders within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an empty locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryLock acquires key if no one in this process holds it.
func (l *LocalLocker) TryLock(_ context.Context, key string) (ReleaseFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}
