package order

import "sync"

// EntryLocks serializes every read-decide-mutate sequence on one bracket.
// The build service, OCO, trailing and sync engines share one instance.
type EntryLocks struct {
	mu    sync.Mutex
	locks map[int64]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewEntryLocks creates an empty lock table.
func NewEntryLocks() *EntryLocks {
	return &EntryLocks{locks: make(map[int64]*entryLock)}
}

// Lock blocks until the bracket of entryID is free and returns its unlock func.
func (l *EntryLocks) Lock(entryID int64) func() {
	l.mu.Lock()
	el, ok := l.locks[entryID]
	if !ok {
		el = &entryLock{}
		l.locks[entryID] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, entryID)
		}
		l.mu.Unlock()
	}
}

// held reports how many brackets currently have a lock entry.
func (l *EntryLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
