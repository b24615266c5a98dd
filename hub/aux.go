package hub

import (
	"sync"

	"github.com/golang/glog"
)

// replayed in this order to sessions that opt in
var serverEventTypes = []AuxType{
	AuxTypeVesselInfo,
	AuxTypeDebugSettings,
	AuxTypeReceiveLoginStatus,
	AuxTypeSourcePriorities,
}

type LogEvent struct {
	Timestamp string `json:"ts"`
	Level     int    `json:"level"`
	Tag       string `json:"tag"`
	Row       string `json:"row"`
}

// the low volume side channels for sessions with `serverevents=all`
// Frames bypass the backpressure gate but still pass session verification.
// Broadcasts run on the dispatch goroutine, between fan-out passes.
type ServerEvents struct {
	hub *Hub

	stateLock sync.Mutex
	last      map[AuxType]*AuxFrame

	logLines      chan *LogLine
	logListenerId uint64
}

func newServerEvents(hub *Hub) *ServerEvents {
	serverEvents := &ServerEvents{
		hub:      hub,
		last:     map[AuxType]*AuxFrame{},
		logLines: make(chan *LogLine, hub.settings.LogQueueSize),
	}
	// log lines can be produced while registry locks are held, so the listener only enqueues
	serverEvents.logListenerId = AddLogListener(func(line *LogLine) {
		select {
		case serverEvents.logLines <- line:
		default:
			hub.metrics.LogLinesDropped.Inc()
		}
	})
	return serverEvents
}

func (self *ServerEvents) emitStartup() {
	self.Emit(AuxTypeVesselInfo, map[string]any{
		"name": self.hub.settings.Name,
		"self": self.hub.settings.SelfContext,
	})
	self.Emit(AuxTypeDebugSettings, map[string]any{
		"debugEnabled": bool(glog.V(LogLevelDebug)),
	})
	self.Emit(AuxTypeReceiveLoginStatus, map[string]any{
		"authenticationRequired": self.hub.security.CanAuthorizeWS(),
		"supportsLogin":          self.hub.security.SupportsLogin(),
	})
	if 0 < len(self.hub.settings.SourcePriorities) {
		self.Emit(AuxTypeSourcePriorities, self.hub.settings.SourcePriorities)
	}
}

// records the event as the latest of its type and sends it to the opted in sessions
func (self *ServerEvents) Emit(auxType AuxType, data any) {
	frame := &AuxFrame{
		Type: auxType,
		Data: data,
	}
	self.stateLock.Lock()
	self.last[auxType] = frame
	self.stateLock.Unlock()

	self.hub.enqueue(func() {
		self.broadcast(frame)
	})
}

func (self *ServerEvents) Last(auxType AuxType) (*AuxFrame, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	frame, ok := self.last[auxType]
	return frame, ok
}

// must run on the dispatch goroutine
func (self *ServerEvents) broadcast(frame *AuxFrame) {
	for _, session := range self.hub.sessions.Sessions() {
		if session.live.Load() && session.options.ServerEvents {
			session.sendAux(frame)
		}
	}
}

// sends the latest event of each type to a session that just went live
// must run on the dispatch goroutine
func (self *ServerEvents) replay(session *Session) {
	self.stateLock.Lock()
	frames := []*AuxFrame{}
	for _, auxType := range serverEventTypes {
		if frame, ok := self.last[auxType]; ok {
			frames = append(frames, frame)
		}
	}
	self.stateLock.Unlock()

	for _, frame := range frames {
		session.sendAux(frame)
	}
}

func (self *ServerEvents) runLogBroadcast() {
	for {
		select {
		case <-self.hub.ctx.Done():
			return
		case line := <-self.logLines:
			frame := &AuxFrame{
				Type: AuxTypeLog,
				Data: &LogEvent{
					Timestamp: FormatTimestamp(line.Time),
					Level:     line.Level,
					Tag:       line.Tag,
					Row:       line.Line,
				},
			}
			self.hub.enqueue(func() {
				self.broadcast(frame)
			})
		}
	}
}

func (self *ServerEvents) close() {
	RemoveLogListener(self.logListenerId)
}
