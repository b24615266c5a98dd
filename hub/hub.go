package hub

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultSelfContext = "vessels.urn:mrn:signalk:uuid:00000000-0000-4000-8000-000000000000"

type HubSettings struct {
	Name        string
	Version     string
	SelfContext string
	Roles       []string

	Backpressure *BackpressureSettings
	Put          *PutRouterSettings
	MetaSent     *MetaSentCacheSettings

	// inbound deltas and session starts waiting for the dispatch goroutine
	DispatchQueueSize int
	// log lines waiting to be broadcast on the LOG channel
	LogQueueSize int

	// published on the SOURCEPRIORITIES channel when not empty
	SourcePriorities map[string][]SourcePriority
}

type SourcePriority struct {
	SourceRef string `yaml:"sourceRef" json:"sourceRef"`
	// milliseconds
	Timeout int64 `yaml:"timeout" json:"timeout"`
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		Name:              "deltahub",
		Version:           "1.0.0",
		SelfContext:       DefaultSelfContext,
		Roles:             []string{"master", "main"},
		Backpressure:      DefaultBackpressureSettings(),
		Put:               DefaultPutRouterSettings(),
		MetaSent:          DefaultMetaSentCacheSettings(),
		DispatchQueueSize: 1024,
		LogQueueSize:      256,
	}
}

// the collaborators of a hub. Nil fields get a default.
type HubOptions struct {
	Security      SecurityStrategy
	Subscriptions SubscriptionManager
	DeltaCache    DeltaCache
	Metadata      Metadata
	History       HistoryProvider
	Metrics       *Metrics
}

// the delta distribution engine
// All fan-out passes run on one dispatch goroutine, so passes never interleave.
// Registries are owned by the hub, created in `NewHub` and cleared in `Close`.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings

	security      SecurityStrategy
	subscriptions SubscriptionManager
	deltaCache    DeltaCache
	metadata      Metadata
	history       HistoryProvider
	metrics       *Metrics

	pathSources  *PathSourceRegistry
	putRouter    *PutRouter
	sessions     *SessionManager
	serverEvents *ServerEvents

	deltaListeners *CallbackList[DeltaListener]

	ops chan func()

	log LogFunction
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, DefaultHubSettings(), HubOptions{})
}

func NewHub(ctx context.Context, settings *HubSettings, options HubOptions) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)

	if options.Security == nil {
		options.Security = NewAllowAllSecurity()
	}
	if options.Subscriptions == nil {
		options.Subscriptions = NewPatternSubscriptionManager(settings.SelfContext)
	}
	if options.DeltaCache == nil {
		options.DeltaCache = NewMemoryDeltaCache()
	}
	if options.Metadata == nil {
		options.Metadata = NewStaticMetadata()
	}
	if options.History == nil {
		options.History = &EmptyHistory{}
	}
	if options.Metrics == nil {
		options.Metrics = NewMetrics()
	}

	pathSources := NewPathSourceRegistry()
	hub := &Hub{
		ctx:            cancelCtx,
		cancel:         cancel,
		settings:       settings,
		security:       options.Security,
		subscriptions:  options.Subscriptions,
		deltaCache:     options.DeltaCache,
		metadata:       options.Metadata,
		history:        options.History,
		metrics:        options.Metrics,
		pathSources:    pathSources,
		putRouter:      NewPutRouter(cancelCtx, pathSources, options.Security, options.Metrics, settings.Put),
		sessions:       NewSessionManager(options.Metrics),
		deltaListeners: NewCallbackList[DeltaListener](),
		ops:            make(chan func(), settings.DispatchQueueSize),
		log:            LogFn(LogLevelInfo, "hub"),
	}
	hub.serverEvents = newServerEvents(hub)

	go HandleError(hub.run)
	go HandleError(hub.serverEvents.runLogBroadcast)

	hub.serverEvents.emitStartup()
	return hub
}

func (self *Hub) Settings() *HubSettings {
	return self.settings
}

func (self *Hub) Security() SecurityStrategy {
	return self.security
}

func (self *Hub) Metrics() *Metrics {
	return self.metrics
}

func (self *Hub) PathSources() *PathSourceRegistry {
	return self.pathSources
}

func (self *Hub) PutRouter() *PutRouter {
	return self.putRouter
}

func (self *Hub) Sessions() *SessionManager {
	return self.sessions
}

func (self *Hub) ServerEvents() *ServerEvents {
	return self.serverEvents
}

func (self *Hub) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Hub) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case op := <-self.ops:
			HandleError(op)
		}
	}
}

// queues `op` to run on the dispatch goroutine
// returns false if the hub is closed
func (self *Hub) enqueue(op func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.ops <- op:
		return true
	}
}

// waits until every op queued before the call has run
func (self *Hub) Sync() bool {
	done := make(chan struct{})
	if !self.enqueue(func() {
		close(done)
	}) {
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case <-done:
		return true
	}
}

func (self *Hub) AddDeltaListener(listener DeltaListener) uint64 {
	return self.deltaListeners.Add(listener)
}

func (self *Hub) RemoveDeltaListener(listenerId uint64) {
	self.deltaListeners.Remove(listenerId)
}

// publishes a delta produced by the server itself
func (self *Hub) Publish(delta *Delta) bool {
	delta.Normalize(self.settings.SelfContext, self.settings.Name, time.Now())
	return self.enqueue(func() {
		self.dispatch(delta)
	})
}

// a delta received from a session claims its paths for that session, then is published
func (self *Hub) handleInboundDelta(session *Session, delta *Delta) {
	if session.Ended() {
		return
	}
	for _, update := range delta.Updates {
		for _, pathValue := range update.Values {
			self.pathSources.Claim(pathValue.Path, update.SourceRef, session)
		}
	}
	self.Publish(delta)
}

func (self *Hub) resolveContext(context string) string {
	if context == "" || context == SelfContextAlias {
		return self.settings.SelfContext
	}
	return context
}

// registers a new session with its cleanup handlers
// the caller runs the transport with the session as handler and then calls `Start`
func (self *Hub) Connect(transport Transport, principal *Principal, options *SessionOptions) *Session {
	session := newSession(self.ctx, self, transport, principal, options)

	// cleanup order: ownership, subscriptions, pending requests, then the registry
	session.AddDisconnectHandler(func() {
		if n := self.pathSources.RemoveSession(session); 0 < n {
			session.traceLog("released %d path sources", n)
		}
	})
	session.AddDisconnectHandler(func() {
		self.subscriptions.RemoveSession(session)
	})
	session.AddDisconnectHandler(func() {
		if n := self.putRouter.RemoveSession(session); 0 < n {
			session.traceLog("cancelled %d pending requests", n)
		}
	})
	session.AddDisconnectHandler(func() {
		self.sessions.Remove(session)
	})
	self.sessions.Add(session)

	go HandleError(session.runOverflowGuard)

	session.log("connected %s (subscribe=%s, sendMeta=%t)", options.Mode, session.SubscriptionMode(), options.SendMeta)
	return session
}

func (self *Hub) Start(session *Session) {
	switch session.Mode() {
	case SessionModePlayback:
		self.startPlayback(session)
	default:
		self.startRealtime(session)
	}
}

func (self *Hub) startRealtime(session *Session) {
	self.writeHello(session, nil)
	self.subscribeDefault(session)

	// the snapshot and going live happen between dispatch passes,
	// so no live delta is missed or delivered ahead of the snapshot
	ok := self.enqueue(func() {
		if session.Ended() {
			return
		}
		if session.options.SendCachedValues {
			for _, delta := range self.deltaCache.GetCachedDeltas() {
				session.deliver(delta)
			}
		}
		session.live.Store(true)
		if session.options.ServerEvents {
			self.serverEvents.replay(session)
		}
	})
	if !ok {
		session.End(websocket.CloseGoingAway, "Server stopping", nil)
	}
}

func (self *Hub) subscribeDefault(session *Session) {
	var command *SubscribeCommand
	switch session.SubscriptionMode() {
	case SubscriptionModeSelf:
		command = &SubscribeCommand{
			Context:   self.settings.SelfContext,
			Subscribe: []SubscribeItem{{Path: "*"}},
		}
	case SubscriptionModeAll:
		command = &SubscribeCommand{
			Context:   "*",
			Subscribe: []SubscribeItem{{Path: "*"}},
		}
	default:
		return
	}
	if err := self.subscriptions.Subscribe(session, command); err != nil {
		session.traceLog("default subscribe error = %s", err)
	}
}

func (self *Hub) writeHello(session *Session, playback *SessionOptions) {
	hello := &HelloFrame{
		Name:      self.settings.Name,
		Version:   self.settings.Version,
		Self:      self.settings.SelfContext,
		Roles:     self.settings.Roles,
		Timestamp: FormatTimestamp(time.Now()),
	}
	if playback != nil {
		hello.Timestamp = ""
		hello.StartTime = FormatTimestamp(playback.StartTime)
		hello.PlaybackRate = playback.PlaybackRate
	}
	if err := session.writeFrame(hello); err != nil {
		session.traceLog("hello not sent = %s", err)
	}
}

// ends every session and clears the registries
func (self *Hub) Close() {
	self.cancel()
	for _, session := range self.sessions.Sessions() {
		session.End(websocket.CloseGoingAway, "Server stopping", nil)
	}
	self.pathSources.Clear()
	self.serverEvents.close()
}
