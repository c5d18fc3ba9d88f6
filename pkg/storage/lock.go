package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrLocked is returned by TryLock when another holder owns the run.
var ErrLocked = errors.New("run is locked by another worker")

// RunLocker guarantees at most one engine task advances a given run.
type RunLocker interface {
	TryLock(ctx context.Context, runID string) (release func(), err error)
}

// MemoryLocker is a RunLocker for a single process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, runID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[runID]; ok {
		return nil, ErrLocked
	}
	l.held[runID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, runID)
			l.mu.Unlock()
		})
	}, nil
}
