package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const DefaultPutTimeout = 60 * time.Second

const DefaultCompletedRequestTtl = 1 * time.Hour
const DefaultCompletedRequestCapacity = 10_000

type PutRouterSettings struct {
	// a request with no completed reply by then completes with 504
	Timeout time.Duration
	// completed requests answer `query` for this long. 0 keeps them until the origin ends.
	CompletedTtl      time.Duration
	CompletedCapacity uint64
}

func DefaultPutRouterSettings() *PutRouterSettings {
	return &PutRouterSettings{
		Timeout:           DefaultPutTimeout,
		CompletedTtl:      DefaultCompletedRequestTtl,
		CompletedCapacity: DefaultCompletedRequestCapacity,
	}
}

// request ids are chosen by clients, so they are only unique per origin
type requestKey struct {
	origin    *Session
	requestId string
}

func (self *putRequest) key() requestKey {
	return requestKey{
		origin:    self.origin,
		requestId: self.requestId,
	}
}

// routes put and delete commands to the session that owns the path/source,
// and delivers exactly one completed reply per request id to the caller
// The owner sees a routed id in place of the origin's request id.
type PutRouter struct {
	ctx context.Context

	pathSources *PathSourceRegistry
	security    SecurityStrategy
	metrics     *Metrics
	timeout     time.Duration
	log         LogFunction

	stateLock sync.Mutex
	// pending requests by deadline and routed id
	pending *putQueue
	// pending requests by origin and request id
	requests map[requestKey]*putRequest
	// completed requests, for `query`, until they expire or the origin ends
	completed *ttlcache.Cache[requestKey, *putRequest]

	update chan struct{}
}

func NewPutRouter(
	ctx context.Context,
	pathSources *PathSourceRegistry,
	security SecurityStrategy,
	metrics *Metrics,
	settings *PutRouterSettings,
) *PutRouter {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = DefaultPutTimeout
	}
	completed := ttlcache.New[requestKey, *putRequest](
		ttlcache.WithTTL[requestKey, *putRequest](settings.CompletedTtl),
		ttlcache.WithCapacity[requestKey, *putRequest](settings.CompletedCapacity),
		ttlcache.WithDisableTouchOnHit[requestKey, *putRequest](),
	)
	go completed.Start()
	go func() {
		<-ctx.Done()
		completed.Stop()
	}()

	router := &PutRouter{
		ctx:         ctx,
		pathSources: pathSources,
		security:    security,
		metrics:     metrics,
		timeout:     timeout,
		log:         LogFn(LogLevelDebug, "put"),
		pending:     newPutQueue(),
		requests:    map[requestKey]*putRequest{},
		completed:   completed,
		update:      make(chan struct{}, 1),
	}
	go HandleError(router.run)
	return router
}

func (self *PutRouter) HandlePut(origin *Session, requestId string, deltaContext string, put *PutCommand) {
	writeCheck := &Delta{
		Context: deltaContext,
		Updates: []*Update{
			{
				SourceRef: put.Source,
				Values:    []PathValue{{Path: put.Path, Value: put.Value}},
			},
		},
	}
	self.handle(origin, requestId, FrameKindPut, writeCheck, put.Path, put.Source, func(owner *Session, routedId string, sourceRef string) error {
		return owner.writeFrame(&PutCommandFrame{
			RequestId: routedId,
			Context:   deltaContext,
			Put: &PutCommand{
				Path:   put.Path,
				Value:  put.Value,
				Source: sourceRef,
			},
		})
	})
}

func (self *PutRouter) HandleDelete(origin *Session, requestId string, deltaContext string, del *DeleteCommand) {
	writeCheck := &Delta{
		Context: deltaContext,
		Updates: []*Update{
			{
				SourceRef: del.Source,
				Values:    []PathValue{{Path: del.Path, Value: nil}},
			},
		},
	}
	self.handle(origin, requestId, FrameKindDelete, writeCheck, del.Path, del.Source, func(owner *Session, routedId string, sourceRef string) error {
		return owner.writeFrame(&DeleteCommandFrame{
			RequestId: routedId,
			Context:   deltaContext,
			Delete: &DeleteCommand{
				Path:   del.Path,
				Source: sourceRef,
			},
		})
	})
}

func (self *PutRouter) handle(
	origin *Session,
	requestId string,
	kind FrameKind,
	writeCheck *Delta,
	path string,
	sourceRef string,
	forward func(owner *Session, routedId string, sourceRef string) error,
) {
	if requestId == "" {
		requestId = NewId().String()
	}
	if !self.security.ShouldAllowWrite(origin.Principal(), writeCheck) {
		self.replyError(origin, requestId, ErrForbidden)
		return
	}
	if !self.pathSources.CanHandlePut(path, "") {
		self.replyError(origin, requestId, ErrMethodNotAllowed)
		return
	}

	routedId := NewId().String()
	err := self.pathSources.Route(path, sourceRef, func(owner *Session, resolvedSourceRef string) error {
		request := &putRequest{
			requestId:  requestId,
			routedId:   routedId,
			origin:     origin,
			owner:      owner,
			kind:       kind,
			path:       path,
			sourceRef:  resolvedSourceRef,
			deadline:   time.Now().Add(self.timeout),
			state:      RequestStatePending,
			statusCode: http.StatusAccepted,
		}
		if err := self.addPending(request); err != nil {
			return err
		}
		if err := forward(owner, routedId, resolvedSourceRef); err != nil {
			// the owner is closing. The timeout will complete the request.
			self.log("[%s]forward to %s failed = %s", requestId, owner.Id(), err)
		}
		return nil
	})
	if err != nil {
		self.replyError(origin, requestId, err)
		return
	}
	// the caller gets exactly one completed reply; the pending state is available via query
	self.log("[%s]%s %s routed as %s", requestId, kind, path, routedId)
}

func (self *PutRouter) addPending(request *putRequest) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// `RemoveSession` already ran or is waiting on the lock
	if request.origin.Ended() {
		return ErrSessionEnded
	}
	key := request.key()
	if _, ok := self.requests[key]; ok {
		return ErrDuplicateRequestId
	}
	if self.completed.Get(key) != nil {
		return ErrDuplicateRequestId
	}
	self.requests[key] = request

	first := self.pending.PeekFirst()
	self.pending.Add(request)
	if first == nil || request.deadline.Before(first.deadline) {
		select {
		case self.update <- struct{}{}:
		default:
		}
	}
	return nil
}

// a reply from the owning session, matched by routed id
// intermediate (pending) replies update the request state without being forwarded
func (self *PutRouter) HandleReply(from *Session, reply *ReplyFrame) {
	self.stateLock.Lock()
	request := self.pending.GetByRoutedId(reply.RequestId)
	if request == nil {
		self.stateLock.Unlock()
		self.log("[%s]reply for unknown or completed request discarded", reply.RequestId)
		return
	}
	if request.owner != from {
		self.stateLock.Unlock()
		self.log("[%s]reply from non owner %s discarded", reply.RequestId, from.Id())
		return
	}
	if !reply.IsCompleted() {
		request.state = RequestStatePending
		if reply.StatusCode != 0 {
			request.statusCode = reply.StatusCode
		}
		request.message = reply.Message
		self.stateLock.Unlock()
		return
	}
	self.complete(request, reply.StatusCode, reply.Message)
	completedReply := request.reply()
	self.stateLock.Unlock()

	self.metrics.PutRequests.WithLabelValues(statusLabel(completedReply.StatusCode)).Inc()
	request.origin.writeReply(completedReply)
}

// must hold the state lock
func (self *PutRouter) complete(request *putRequest, statusCode int, message string) {
	self.pending.RemoveByRoutedId(request.routedId)
	delete(self.requests, request.key())
	request.state = RequestStateCompleted
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	request.statusCode = statusCode
	request.message = message
	self.completed.Set(request.key(), request, ttlcache.DefaultTTL)
}

// the latest state of a request originated by the session
func (self *PutRouter) Query(origin *Session, requestId string) *ReplyFrame {
	key := requestKey{
		origin:    origin,
		requestId: requestId,
	}
	self.stateLock.Lock()
	var reply *ReplyFrame
	if request, ok := self.requests[key]; ok {
		reply = request.reply()
	} else if item := self.completed.Get(key); item != nil {
		reply = item.Value().reply()
	}
	self.stateLock.Unlock()
	if reply != nil {
		return reply
	}
	if result, ok := self.security.QueryAccessRequest(requestId); ok {
		return accessRequestReply(requestId, result)
	}
	return &ReplyFrame{
		RequestId:  requestId,
		State:      RequestStateCompleted,
		StatusCode: http.StatusNotFound,
		Message:    "request not found",
	}
}

// cancels the pending requests originated by the session and forgets its completed ones
// requests routed to the session as owner stay pending until their timeout
// returns the number of cancelled requests
func (self *PutRouter) RemoveSession(session *Session) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := 0
	for key, request := range self.requests {
		if key.origin == session {
			self.pending.RemoveByRoutedId(request.routedId)
			delete(self.requests, key)
			c += 1
		}
	}
	for _, key := range self.completed.Keys() {
		if key.origin == session {
			self.completed.Delete(key)
		}
	}
	return c
}

func (self *PutRouter) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.pending.QueueSize()
}

func (self *PutRouter) CompletedCount() int {
	return self.completed.Len()
}

func (self *PutRouter) replyError(origin *Session, requestId string, err error) {
	self.log("[%s]rejected = %s", requestId, err)
	reply := errorReply(requestId, err)
	self.metrics.PutRequests.WithLabelValues(statusLabel(reply.StatusCode)).Inc()
	origin.writeReply(reply)
}

func (self *PutRouter) run() {
	for {
		self.stateLock.Lock()
		first := self.pending.PeekFirst()
		self.stateLock.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if first != nil {
			timer = time.NewTimer(time.Until(first.deadline))
			timeout = timer.C
		}

		select {
		case <-self.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-self.update:
		case <-timeout:
			self.expire(time.Now())
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (self *PutRouter) expire(now time.Time) {
	self.stateLock.Lock()
	expired := self.pending.RemoveExpired(now)
	replies := make([]*ReplyFrame, 0, len(expired))
	for _, request := range expired {
		self.complete(request, ErrorStatusCode(ErrPutTimeout), ErrPutTimeout.Error())
		replies = append(replies, request.reply())
	}
	self.stateLock.Unlock()

	for i, request := range expired {
		self.log("[%s]timeout after %s", request.requestId, self.timeout)
		self.metrics.PutRequests.WithLabelValues(statusLabel(replies[i].StatusCode)).Inc()
		request.origin.writeReply(replies[i])
	}
}

func accessRequestReply(requestId string, result *AccessRequestResult) *ReplyFrame {
	reply := &ReplyFrame{
		RequestId:  requestId,
		State:      result.State,
		StatusCode: result.StatusCode,
		Message:    result.Message,
	}
	if result.State == RequestStateCompleted && result.StatusCode == http.StatusOK {
		reply.AccessRequest = &AccessRequestReply{
			Permission: result.Permission,
			Token:      result.Token,
		}
	}
	return reply
}

func statusLabel(statusCode int) string {
	return http.StatusText(statusCode)
}
