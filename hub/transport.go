package hub

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type TransportSettings struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	CloseTimeout   time.Duration
	MaxMessageSize int64
}

func DefaultTransportSettings() *TransportSettings {
	pingInterval := 30 * time.Second
	return &TransportSettings{
		PingInterval: pingInterval,
		WriteTimeout: 5 * time.Second,
		// a few missed pings
		ReadTimeout:    3 * pingInterval,
		CloseTimeout:   5 * time.Second,
		MaxMessageSize: int64(mib(1)),
	}
}

// the handler table a transport invokes
// callbacks are made from the transport goroutines, one reader and one writer
type TransportHandler interface {
	HandleMessage(message []byte)
	// the outgoing queue is empty
	HandleDrain()
	// the transport is closed. Called once.
	HandleClose(err error)
}

// a message transport for one session
// `Send` never blocks on the network. The bytes accepted but not yet written are `BufferedAmount`.
type Transport interface {
	Send(message []byte) error
	BufferedAmount() ByteCount
	// sends the queued messages then a close with the code and reason
	Close(code int, reason string)
}

// a websocket transport with an unbounded outgoing queue
// bounding the queue is the job of the backpressure gate
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *TransportSettings
	tag      string

	stateLock      sync.Mutex
	queue          *queue.Queue
	bufferedAmount ByteCount
	closing        bool
	closeCode      int
	closeReason    string

	notify chan struct{}
}

func NewWsTransportWithDefaults(ctx context.Context, ws *websocket.Conn, tag string) *WsTransport {
	return NewWsTransport(ctx, ws, tag, DefaultTransportSettings())
}

func NewWsTransport(ctx context.Context, ws *websocket.Conn, tag string, settings *TransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		tag:      tag,
		queue:    queue.New(),
		notify:   make(chan struct{}, 1),
	}
}

func (self *WsTransport) Send(message []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closing {
		return ErrTransportClosed
	}
	select {
	case <-self.ctx.Done():
		return ErrTransportClosed
	default:
	}
	self.queue.Add(message)
	self.bufferedAmount += ByteCount(len(message))
	self.signal()
	return nil
}

func (self *WsTransport) BufferedAmount() ByteCount {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.bufferedAmount
}

func (self *WsTransport) Close(code int, reason string) {
	self.stateLock.Lock()
	if self.closing {
		self.stateLock.Unlock()
		return
	}
	self.closing = true
	self.closeCode = code
	self.closeReason = reason
	self.signal()
	self.stateLock.Unlock()

	// a peer that does not read would hold the queue forever
	go HandleError(func() {
		select {
		case <-self.ctx.Done():
		case <-time.After(self.settings.CloseTimeout):
			glog.V(1).Infof("[t]%s force close\n", self.tag)
			self.cancel()
		}
	})
}

// must hold the state lock
func (self *WsTransport) signal() {
	select {
	case self.notify <- struct{}{}:
	default:
	}
}

// runs the reader and writer until the websocket closes
// blocks until both are done, then calls `handler.HandleClose`
func (self *WsTransport) Run(handler TransportHandler) {
	defer self.cancel()

	go func() {
		<-self.ctx.Done()
		self.ws.Close()
	}()

	writerDone := make(chan struct{})
	go HandleError(func() {
		defer close(writerDone)
		defer self.cancel()
		self.runWriter(handler)
	})

	readErr := self.runReader(handler)
	self.cancel()
	<-writerDone

	self.stateLock.Lock()
	self.closing = true
	self.queue = queue.New()
	self.bufferedAmount = 0
	self.stateLock.Unlock()

	handler.HandleClose(readErr)
}

func (self *WsTransport) runWriter(handler TransportHandler) {
	pingTicker := time.NewTicker(self.settings.PingInterval)
	defer pingTicker.Stop()

	for {
		self.stateLock.Lock()
		var message []byte
		if 0 < self.queue.Length() {
			message = self.queue.Remove().([]byte)
		}
		closing := self.closing
		closeCode := self.closeCode
		closeReason := self.closeReason
		self.stateLock.Unlock()

		if message != nil {
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := self.ws.WriteMessage(websocket.TextMessage, message)

			self.stateLock.Lock()
			self.bufferedAmount -= ByteCount(len(message))
			drained := self.queue.Length() == 0
			self.stateLock.Unlock()

			if err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[ts]%s-> error = %s\n", self.tag, err)
				return
			}
			glog.V(2).Infof("[ts]%s-> %dB\n", self.tag, len(message))
			if drained {
				handler.HandleDrain()
			}
			continue
		}

		if closing {
			closeMessage := websocket.FormatCloseMessage(closeCode, truncateCloseReason(closeReason))
			err := self.ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(self.settings.WriteTimeout))
			if err != nil {
				glog.V(1).Infof("[ts]%s-> close error = %s\n", self.tag, err)
				return
			}
			// wait for the peer close, which ends the reader
			select {
			case <-self.ctx.Done():
			case <-time.After(self.settings.CloseTimeout):
			}
			return
		}

		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		case <-pingTicker.C:
			err := self.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout))
			if err != nil {
				glog.V(1).Infof("[ts]%s-> ping error = %s\n", self.tag, err)
				return
			}
		}
	}
}

func (self *WsTransport) runReader(handler TransportHandler) error {
	self.ws.SetReadLimit(self.settings.MaxMessageSize)
	self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(2).Infof("[tr]%s<- closed\n", self.tag)
				return nil
			}
			glog.V(1).Infof("[tr]%s<- error = %s\n", self.tag, err)
			return err
		}
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			glog.V(2).Infof("[tr]%s<- %dB\n", self.tag, len(message))
			handler.HandleMessage(message)
		default:
			glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.tag)
		}
	}
}

// control frame payloads are limited to 125 bytes, 2 of which are the code
func truncateCloseReason(reason string) string {
	if 123 < len(reason) {
		return reason[:123]
	}
	return reason
}
