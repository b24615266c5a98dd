package history

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/deltahub/hub"
)

type RecorderSettings struct {
	// deltas waiting to be written
	QueueSize int
}

func DefaultRecorderSettings() *RecorderSettings {
	return &RecorderSettings{
		QueueSize: 4096,
	}
}

// writes every dispatched delta of a hub into a store
// The dispatch goroutine only enqueues. When the queue is full the delta is dropped from history.
type Recorder struct {
	ctx    context.Context
	cancel context.CancelFunc

	deltaHub *hub.Hub
	store    Store

	deltas     chan *hub.Delta
	listenerId uint64

	recorded atomic.Int64
	dropped  atomic.Int64
}

func NewRecorderWithDefaults(ctx context.Context, deltaHub *hub.Hub, store Store) *Recorder {
	return NewRecorder(ctx, deltaHub, store, DefaultRecorderSettings())
}

func NewRecorder(ctx context.Context, deltaHub *hub.Hub, store Store, settings *RecorderSettings) *Recorder {
	cancelCtx, cancel := context.WithCancel(ctx)
	recorder := &Recorder{
		ctx:      cancelCtx,
		cancel:   cancel,
		deltaHub: deltaHub,
		store:    store,
		deltas:   make(chan *hub.Delta, settings.QueueSize),
	}
	recorder.listenerId = deltaHub.AddDeltaListener(recorder.enqueue)
	go hub.HandleError(recorder.run)
	return recorder
}

func (self *Recorder) enqueue(delta *hub.Delta) {
	select {
	case self.deltas <- delta:
	default:
		if self.dropped.Add(1)%1000 == 1 {
			glog.Infof("[recorder]queue full, %d deltas dropped\n", self.dropped.Load())
		}
	}
}

func (self *Recorder) run() {
	defer self.deltaHub.RemoveDeltaListener(self.listenerId)

	for {
		select {
		case <-self.ctx.Done():
			return
		case delta := <-self.deltas:
			if err := self.store.Append(self.ctx, recordTime(delta, time.Now()), delta); err != nil {
				glog.Infof("[recorder]append error = %s\n", err)
				continue
			}
			self.recorded.Add(1)
		}
	}
}

func (self *Recorder) Recorded() int64 {
	return self.recorded.Load()
}

func (self *Recorder) Dropped() int64 {
	return self.dropped.Load()
}

func (self *Recorder) Close() {
	self.cancel()
}
