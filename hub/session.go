package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type SubscriptionMode string

const (
	// only deltas for the server's own context
	SubscriptionModeSelf SubscriptionMode = "self"
	SubscriptionModeAll  SubscriptionMode = "all"
	SubscriptionModeNone SubscriptionMode = "none"
	// a `none` session that has subscribed to something
	SubscriptionModeExplicit SubscriptionMode = "explicit"
)

type SessionMode string

const (
	SessionModeRealtime SessionMode = "realtime"
	SessionModePlayback SessionMode = "playback"
)

const OverflowErrorMessage = "Server outgoing buffer overflow, terminating connection"

// the connection-start parameters of a session
type SessionOptions struct {
	Mode             SessionMode
	Subscribe        SubscriptionMode
	SendMeta         bool
	SendCachedValues bool
	ServerEvents     bool
	// playback only
	StartTime    time.Time
	PlaybackRate float64
}

func DefaultSessionOptions() *SessionOptions {
	return &SessionOptions{
		Mode:             SessionModeRealtime,
		Subscribe:        SubscriptionModeSelf,
		SendCachedValues: true,
		PlaybackRate:     1,
	}
}

// per-client state
// A session is created on connect and ended exactly once. Ending runs the disconnect handlers in order,
// which remove every registry entry and listener the session owns.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	id        Id
	hub       *Hub
	transport Transport
	options   *SessionOptions

	gate     *BackpressureGate
	metaSent *MetaSentCache

	log      LogFunction
	traceLog LogFunction

	stateLock          sync.Mutex
	principal          *Principal
	subscriptionMode   SubscriptionMode
	disconnectHandlers []func()

	// receives the live fan-out
	live  atomic.Bool
	ended atomic.Bool

	endOnce sync.Once
}

func newSession(
	ctx context.Context,
	hub *Hub,
	transport Transport,
	principal *Principal,
	options *SessionOptions,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	id := NewId()
	tag := fmt.Sprintf("s%s", id)
	subscriptionMode := options.Subscribe
	if subscriptionMode == "" {
		subscriptionMode = SubscriptionModeSelf
	}
	return &Session{
		ctx:              cancelCtx,
		cancel:           cancel,
		id:               id,
		hub:              hub,
		transport:        transport,
		options:          options,
		gate:             NewBackpressureGate(hub.settings.Backpressure, transport, hub.metrics, tag),
		metaSent:         NewMetaSentCache(cancelCtx, hub.settings.MetaSent),
		log:              LogFn(LogLevelInfo, tag),
		traceLog:         LogFn(LogLevelDebug, tag),
		principal:        principal,
		subscriptionMode: subscriptionMode,
	}
}

func (self *Session) Id() Id {
	return self.id
}

func (self *Session) Mode() SessionMode {
	return self.options.Mode
}

func (self *Session) Options() *SessionOptions {
	return self.options
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Session) Ended() bool {
	return self.ended.Load()
}

func (self *Session) Principal() *Principal {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.principal
}

func (self *Session) setPrincipal(principal *Principal) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.principal = principal
}

func (self *Session) SubscriptionMode() SubscriptionMode {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.subscriptionMode
}

func (self *Session) Gate() *BackpressureGate {
	return self.gate
}

func (self *Session) MetaSent() *MetaSentCache {
	return self.metaSent
}

// handlers run in the order added, once, when the session ends
// a handler added after the end runs immediately
func (self *Session) AddDisconnectHandler(handler func()) {
	self.stateLock.Lock()
	if !self.ended.Load() {
		self.disconnectHandlers = append(self.disconnectHandlers, handler)
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()
	HandleError(handler)
}

// ends the session. Safe to call from concurrent triggers; only the first call has an effect.
// `frame` is an optional last frame sent before the close.
func (self *Session) End(code int, reason string, frame any) {
	self.endOnce.Do(func() {
		self.stateLock.Lock()
		self.ended.Store(true)
		self.live.Store(false)
		handlers := self.disconnectHandlers
		self.disconnectHandlers = nil
		self.stateLock.Unlock()

		// stops the overflow guard and playback
		self.cancel()

		if frame != nil {
			if err := self.writeFrame(frame); err != nil {
				self.traceLog("end frame not sent = %s", err)
			}
		}
		for _, handler := range handlers {
			HandleError(handler)
		}
		self.transport.Close(code, reason)
		self.log("ended (%d %s)", code, reason)
	})
}

// end because verification or authorization failed
func (self *Session) endUnauthorized(err error) {
	self.hub.metrics.AuthTerminations.Inc()
	LogFn(LogLevelUrgent, fmt.Sprintf("s%s", self.id))("unauthorized = %s", err)
	self.End(websocket.ClosePolicyViolation, "Unauthorized", &ErrorFrame{
		ErrorMessage: err.Error(),
		Reconnect:    true,
	})
}

// writes the frame without verification or backpressure
// used for replies and commands, where a failed verification must not end the session mid routing
func (self *Session) writeFrame(frame any) error {
	message, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	return self.transport.Send(message)
}

func (self *Session) writeReply(reply *ReplyFrame) {
	if err := self.writeFrame(reply); err != nil {
		self.traceLog("[%s]reply not sent = %s", reply.RequestId, err)
	}
}

// re-verifies the principal before every send
// a session whose authorization was revoked is ended instead of written to
func (self *Session) verify() bool {
	if self.ended.Load() {
		return false
	}
	if err := self.hub.security.VerifyWS(self.Principal()); err != nil {
		self.endUnauthorized(err)
		return false
	}
	return true
}

// auxiliary frames bypass the backpressure gate
func (self *Session) sendAux(frame *AuxFrame) {
	if !self.verify() {
		return
	}
	if err := self.writeFrame(frame); err != nil {
		self.traceLog("aux %s not sent = %s", frame.Type, err)
		return
	}
	self.hub.metrics.AuxFramesDelivered.Inc()
}

// the fan-out path for one delta to this session
// security filter, subscription mode, subscriptions, meta dedup, then the backpressure gate
// returns true if anything was handed to the gate
func (self *Session) deliver(delta *Delta) bool {
	if self.ended.Load() {
		return false
	}
	filtered := self.filter(delta)
	if filtered == nil {
		return false
	}
	var meta *Delta
	if self.options.SendMeta {
		meta = collectMeta(self.metaSent, self.hub.metadata, filtered, time.Now())
	}
	if !self.verify() {
		return false
	}
	if err := self.gate.Deliver(meta, filtered); err != nil {
		self.traceLog("deliver error = %s", err)
		return false
	}
	return true
}

// returns the part of the delta this session may see, or nil
func (self *Session) filter(delta *Delta) *Delta {
	delta = self.hub.security.FilterReadDelta(self.Principal(), delta)
	if delta == nil {
		return nil
	}
	switch self.SubscriptionMode() {
	case SubscriptionModeNone:
		return nil
	case SubscriptionModeSelf:
		if delta.Context != self.hub.settings.SelfContext {
			return nil
		}
	}
	filtered := self.hub.subscriptions.Filter(self, delta)
	if filtered == nil || filtered.IsEmpty() {
		return nil
	}
	return filtered
}

// TransportHandler

func (self *Session) HandleMessage(message []byte) {
	if self.ended.Load() {
		return
	}
	frame, err := ParseClientFrame(message)
	if err != nil {
		self.hub.metrics.InboundParseErrors.Inc()
		self.traceLog("dropped frame = %s", err)
		return
	}
	self.traceLog("<- %s", frame.Kind)
	self.handleFrame(frame)
}

func (self *Session) HandleDrain() {
	if _, err := self.gate.Drain(); err != nil {
		self.traceLog("flush error = %s", err)
	}
}

func (self *Session) HandleClose(err error) {
	if err != nil {
		self.End(websocket.CloseAbnormalClosure, err.Error(), nil)
	} else {
		self.End(websocket.CloseNormalClosure, "", nil)
	}
}

func (self *Session) handleFrame(frame *ClientFrame) {
	switch frame.Kind {
	case FrameKindUpdates:
		self.handleUpdates(frame)
	case FrameKindSubscribe:
		self.handleSubscribe(frame)
	case FrameKindUnsubscribe:
		err := self.hub.subscriptions.Unsubscribe(self, &UnsubscribeCommand{
			Context:     frame.Context,
			Unsubscribe: frame.Unsubscribe,
		})
		if err != nil {
			self.traceLog("unsubscribe error = %s", err)
		}
	case FrameKindPut:
		self.hub.putRouter.HandlePut(self, frame.RequestId, self.hub.resolveContext(frame.Context), frame.Put)
	case FrameKindDelete:
		self.hub.putRouter.HandleDelete(self, frame.RequestId, self.hub.resolveContext(frame.Context), frame.Delete)
	case FrameKindLogin:
		self.handleLogin(frame)
	case FrameKindAccessRequest:
		self.handleAccessRequest(frame)
	case FrameKindQuery:
		self.writeReply(self.hub.putRouter.Query(self, frame.RequestId))
	case FrameKindToken:
		self.handleToken(frame)
	case FrameKindReply:
		self.hub.putRouter.HandleReply(self, frame.Reply)
	default:
		self.traceLog("unhandled frame %s", frame.Kind)
	}
}

func (self *Session) handleUpdates(frame *ClientFrame) {
	delta := frame.Delta
	delta.Normalize(self.hub.settings.SelfContext, fmt.Sprintf("ws.%s", self.id), time.Now())
	if !self.hub.security.ShouldAllowWrite(self.Principal(), delta) {
		self.traceLog("updates dropped, write not allowed")
		if frame.RequestId != "" {
			self.writeReply(&ReplyFrame{
				RequestId:  frame.RequestId,
				State:      RequestStateCompleted,
				StatusCode: http.StatusForbidden,
				Message:    ErrForbidden.Error(),
			})
		}
		return
	}
	self.hub.handleInboundDelta(self, delta)
}

func (self *Session) handleSubscribe(frame *ClientFrame) {
	err := self.hub.subscriptions.Subscribe(self, &SubscribeCommand{
		Context:   frame.Context,
		Subscribe: frame.Subscribe,
	})
	if err != nil {
		self.traceLog("subscribe error = %s", err)
		return
	}
	self.stateLock.Lock()
	if self.subscriptionMode == SubscriptionModeNone {
		self.subscriptionMode = SubscriptionModeExplicit
	}
	self.stateLock.Unlock()
}

func (self *Session) handleLogin(frame *ClientFrame) {
	requestId := frame.RequestId
	if requestId == "" {
		requestId = NewId().String()
	}
	if !self.hub.security.SupportsLogin() {
		self.writeReply(errorReply(requestId, ErrLoginNotSupported))
		return
	}
	result, err := self.hub.security.Login(frame.Login.Username, frame.Login.Password)
	if err != nil {
		self.writeReply(errorReply(requestId, err))
		return
	}
	self.setPrincipal(result.Principal)
	self.writeReply(&ReplyFrame{
		RequestId:  requestId,
		State:      RequestStateCompleted,
		StatusCode: http.StatusOK,
		Login: &LoginReply{
			Token:      result.Token,
			TimeToLive: int64(result.TimeToLive / time.Second),
		},
	})
}

func (self *Session) handleAccessRequest(frame *ClientFrame) {
	requestId := frame.RequestId
	if requestId == "" {
		requestId = NewId().String()
	}
	result, err := self.hub.security.RequestAccess(requestId, frame.AccessRequest)
	if err != nil {
		self.writeReply(errorReply(requestId, err))
		return
	}
	self.writeReply(accessRequestReply(requestId, result))
}

func (self *Session) handleToken(frame *ClientFrame) {
	principal, err := self.hub.security.AuthorizeWS(frame.Token)
	if err != nil {
		if errors.Is(err, ErrAuthorization) {
			self.endUnauthorized(err)
		} else {
			self.endUnauthorized(fmt.Errorf("%w: %s", ErrAuthorization, err))
		}
		return
	}
	self.setPrincipal(principal)
	self.traceLog("token attached for %s", principal.Identifier)
}

// checks the outgoing buffer on an interval until the session ends
func (self *Session) runOverflowGuard() {
	interval := self.hub.settings.Backpressure.OverflowCheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case now := <-ticker.C:
			if self.gate.CheckOverflow(now) {
				self.hub.metrics.OverflowTerminations.Inc()
				LogFn(LogLevelUrgent, fmt.Sprintf("s%s", self.id))(
					"outgoing buffer above %d bytes for %s, terminating",
					self.hub.settings.Backpressure.MaxBufferBytes,
					self.hub.settings.Backpressure.MaxBufferDuration,
				)
				self.End(websocket.CloseTryAgainLater, OverflowErrorMessage, &ErrorFrame{
					ErrorMessage: OverflowErrorMessage,
				})
				return
			}
		}
	}
}

func errorReply(requestId string, err error) *ReplyFrame {
	return &ReplyFrame{
		RequestId:  requestId,
		State:      RequestStateCompleted,
		StatusCode: ErrorStatusCode(err),
		Message:    err.Error(),
	}
}
