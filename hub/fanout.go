package hub

import (
	"github.com/gorilla/websocket"
)

// one fan-out pass. Runs on the dispatch goroutine.
// Delivery only enqueues onto each session's transport, so a slow session never delays the others.
func (self *Hub) dispatch(delta *Delta) {
	self.metrics.DeltasPublished.Inc()
	self.deltaCache.Update(delta)
	for _, listener := range self.deltaListeners.Get() {
		HandleError(func() {
			listener(delta)
		})
	}

	delivered := 0
	for _, session := range self.sessions.Sessions() {
		if !session.live.Load() {
			continue
		}
		if self.deliverSafe(session, delta) {
			delivered += 1
		}
	}
	if 0 < delivered {
		LogFn(LogLevelDebug, "fanout")("%s %d values -> %d sessions", delta.Context, delta.ValueCount(), delivered)
	}
}

// a panic while delivering ends only that session
func (self *Hub) deliverSafe(session *Session, delta *Delta) (delivered bool) {
	HandleError(func() {
		delivered = session.deliver(delta)
	}, func(err error) {
		session.End(websocket.CloseInternalServerErr, "Internal error", nil)
	})
	return
}
