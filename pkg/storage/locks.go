package storage

import "sync"

// SessionLocks serializes scheduler, dispatch and reaper mutations on
// the same session. The bolt store is single-writer but transitions
// often span a read, an external side effect, and a write; holding the
// session lock across that window is the embedded equivalent of a
// row-level SELECT ... FOR UPDATE.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessionLocks creates an empty lock table.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock acquires the lock for a session id, creating it on first use.
func (l *SessionLocks) Lock(sessionID string) {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{}
		l.locks[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
}

// Unlock releases the lock and drops the entry once nobody waits on it.
func (l *SessionLocks) Unlock(sessionID string) {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if ok {
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, sessionID)
		}
	}
	l.mu.Unlock()

	if ok {
		sl.mu.Unlock()
	}
}

// WithLock runs fn while holding the session lock.
func (l *SessionLocks) WithLock(sessionID string, fn func() error) error {
	l.Lock(sessionID)
	defer l.Unlock(sessionID)
	return fn()
}
