package executor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker serializes steps on one workflow. unlock releases the lock and must
// be called exactly once. lost, when non-nil, is closed if the lock lapses
// before unlock; the holder must then stop mutating the workflow.
type Locker interface {
	Lock(ctx context.Context, workflowID string) (unlock func(), lost <-chan struct{}, err error)
}

// LocalLocker is an in-process Locker with one weighted semaphore per
// workflow id. Entries are dropped when no caller holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

// Lock implements Locker. It waits until ctx is done. A local lock cannot
// lapse, so lost is always nil.
func (l *LocalLocker) Lock(ctx context.Context, workflowID string) (func(), <-chan struct{}, error) {
	l.mu.Lock()
	lk, ok := l.locks[workflowID]
	if !ok {
		lk = &localLock{sem: semaphore.NewWeighted(1)}
		l.locks[workflowID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	if err := lk.sem.Acquire(ctx, 1); err != nil {
		l.drop(workflowID, lk)
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrBusy, workflowID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lk.sem.Release(1)
			l.drop(workflowID, lk)
		})
	}, nil, nil
}

func (l *LocalLocker) drop(workflowID string, lk *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, workflowID)
	}
}

// held returns the number of workflow ids with holders or waiters.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
