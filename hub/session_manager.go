package hub

import (
	"slices"
	"sync"
)

// tracks all live sessions
// enumeration returns an immutable snapshot so a fan-out pass never holds the lock while writing
type SessionManager struct {
	metrics *Metrics

	stateLock sync.Mutex
	sessions  map[Id]*Session
	snapshot  []*Session
}

func NewSessionManager(metrics *Metrics) *SessionManager {
	return &SessionManager{
		metrics:  metrics,
		sessions: map[Id]*Session{},
		snapshot: []*Session{},
	}
}

func (self *SessionManager) Add(session *Session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.sessions[session.Id()]; ok {
		return
	}
	self.sessions[session.Id()] = session
	self.updateSnapshot()
	self.metrics.Sessions.WithLabelValues(string(session.Mode())).Inc()
}

// returns false if the session was not registered
func (self *SessionManager) Remove(session *Session) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.sessions[session.Id()]; !ok {
		return false
	}
	delete(self.sessions, session.Id())
	self.updateSnapshot()
	self.metrics.Sessions.WithLabelValues(string(session.Mode())).Dec()
	return true
}

// must hold the state lock
func (self *SessionManager) updateSnapshot() {
	snapshot := make([]*Session, 0, len(self.sessions))
	for _, session := range self.sessions {
		snapshot = append(snapshot, session)
	}
	slices.SortFunc(snapshot, func(a *Session, b *Session) int {
		switch {
		case a.Id().LessThan(b.Id()):
			return -1
		case b.Id().LessThan(a.Id()):
			return 1
		default:
			return 0
		}
	})
	self.snapshot = snapshot
}

// in connection order
// callers must not modify the returned slice
func (self *SessionManager) Sessions() []*Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.snapshot
}

func (self *SessionManager) Get(sessionId Id) (*Session, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	session, ok := self.sessions[sessionId]
	return session, ok
}

func (self *SessionManager) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.sessions)
}

func (self *SessionManager) CountByMode(mode SessionMode) int {
	c := 0
	for _, session := range self.Sessions() {
		if session.Mode() == mode {
			c += 1
		}
	}
	return c
}
