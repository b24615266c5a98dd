package hub

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

type BackpressureSettings struct {
	// above this many buffered bytes, values are accumulated instead of written
	EnterBytes ByteCount
	// at or below this many buffered bytes, a drain flushes the accumulator
	ExitBytes ByteCount
	// a session whose buffer stays above this for `MaxBufferDuration` is terminated
	MaxBufferBytes        ByteCount
	MaxBufferDuration     time.Duration
	OverflowCheckInterval time.Duration
}

func DefaultBackpressureSettings() *BackpressureSettings {
	return &BackpressureSettings{
		EnterBytes:            kib(512),
		ExitBytes:             kib(1),
		MaxBufferBytes:        mib(2),
		MaxBufferDuration:     30 * time.Second,
		OverflowCheckInterval: 1 * time.Second,
	}
}

type accumulatorKey struct {
	context   string
	path      string
	sourceRef string
	meta      bool
}

// the latest pending value per (context, path, source)
type AccumulatedItem struct {
	Context   string
	Path      string
	SourceRef string
	Source    *Source
	Timestamp string
	Value     any
	Meta      bool
}

// per-session flow control
// Below the enter threshold deltas are written immediately and in order.
// Above it only the latest value per key is kept until the transport drains below the exit threshold.
// Memory is bounded by the number of distinct keys, not by the update rate.
type BackpressureGate struct {
	settings  *BackpressureSettings
	transport Transport
	metrics   *Metrics
	log       LogFunction

	stateLock     sync.Mutex
	active        bool
	enteredAt     time.Time
	accumulator   map[accumulatorKey]*AccumulatedItem
	overflowSince time.Time
}

func NewBackpressureGate(settings *BackpressureSettings, transport Transport, metrics *Metrics, tag string) *BackpressureGate {
	return &BackpressureGate{
		settings:    settings,
		transport:   transport,
		metrics:     metrics,
		log:         LogFn(LogLevelUrgent, tag),
		accumulator: map[accumulatorKey]*AccumulatedItem{},
	}
}

// delivers the deltas in order, or accumulates them if the transport is backed up
// nil deltas are skipped
func (self *BackpressureGate) Deliver(deltas ...*Delta) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	bufferedAmount := self.transport.BufferedAmount()
	if self.settings.EnterBytes < bufferedAmount {
		if !self.active {
			self.active = true
			self.enteredAt = time.Now()
			self.metrics.BackpressureEntered.Inc()
			self.log("backpressure enter (%d buffered bytes)", bufferedAmount)
		}
		for _, delta := range deltas {
			if delta != nil {
				self.accumulate(delta)
			}
		}
		return nil
	}

	for _, delta := range deltas {
		if delta == nil {
			continue
		}
		if 0 < len(self.accumulator) {
			// a newer value supersedes the held one. Flushing the held one later would go back in time.
			self.supersede(delta)
		}
		message, err := EncodeFrame(delta)
		if err != nil {
			return err
		}
		if err := self.transport.Send(message); err != nil {
			return err
		}
		self.metrics.FramesDelivered.Inc()
	}
	return nil
}

// called when the transport drains
// flushes the accumulator once the buffer is at or below the exit threshold
// returns true if a flush happened
func (self *BackpressureGate) Drain() (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.settings.ExitBytes < self.transport.BufferedAmount() {
		return false, nil
	}
	if len(self.accumulator) == 0 {
		self.active = false
		return false, nil
	}

	now := time.Now()
	frames := self.coalesce(now)
	heldCount := len(self.accumulator)
	heldFor := now.Sub(self.enteredAt)
	self.accumulator = map[accumulatorKey]*AccumulatedItem{}
	self.active = false

	self.metrics.BackpressureFlushes.Inc()
	self.log("backpressure exit, flushing %d values held for %s", heldCount, heldFor)
	for _, frame := range frames {
		message, err := EncodeFrame(frame)
		if err != nil {
			return true, err
		}
		if err := self.transport.Send(message); err != nil {
			return true, err
		}
		self.metrics.FramesDelivered.Inc()
	}
	return true, nil
}

// returns true when the buffer has stayed above the max size for longer than the max duration
func (self *BackpressureGate) CheckOverflow(now time.Time) bool {
	bufferedAmount := self.transport.BufferedAmount()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if bufferedAmount <= self.settings.MaxBufferBytes {
		self.overflowSince = time.Time{}
		return false
	}
	if self.overflowSince.IsZero() {
		self.overflowSince = now
		return false
	}
	return self.settings.MaxBufferDuration < now.Sub(self.overflowSince)
}

func (self *BackpressureGate) Active() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.active
}

func (self *BackpressureGate) AccumulatorSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.accumulator)
}

// must hold the state lock
func (self *BackpressureGate) accumulate(delta *Delta) {
	for _, update := range delta.Updates {
		for _, pathValue := range update.Values {
			self.upsert(accumulatorKey{
				context:   delta.Context,
				path:      pathValue.Path,
				sourceRef: update.SourceRef,
			}, update, pathValue)
		}
		for _, pathValue := range update.Meta {
			self.upsert(accumulatorKey{
				context: delta.Context,
				path:    pathValue.Path,
				meta:    true,
			}, update, pathValue)
		}
	}
}

// replace, never queue
func (self *BackpressureGate) upsert(key accumulatorKey, update *Update, pathValue PathValue) {
	item, ok := self.accumulator[key]
	if !ok {
		item = &AccumulatedItem{
			Context:   key.context,
			Path:      key.path,
			SourceRef: key.sourceRef,
			Meta:      key.meta,
		}
		self.accumulator[key] = item
	}
	item.Source = update.Source
	item.Timestamp = update.Timestamp
	item.Value = pathValue.Value
}

// must hold the state lock
func (self *BackpressureGate) supersede(delta *Delta) {
	for _, update := range delta.Updates {
		for _, pathValue := range update.Values {
			delete(self.accumulator, accumulatorKey{
				context:   delta.Context,
				path:      pathValue.Path,
				sourceRef: update.SourceRef,
			})
		}
	}
}

// one frame per context. Meta first, then one update per distinct source.
// must hold the state lock
func (self *BackpressureGate) coalesce(now time.Time) []*Delta {
	contextItems := map[string][]*AccumulatedItem{}
	for _, item := range self.accumulator {
		contextItems[item.Context] = append(contextItems[item.Context], item)
	}
	heldMillis := now.Sub(self.enteredAt).Milliseconds()

	contexts := maps.Keys(contextItems)
	slices.Sort(contexts)

	frames := make([]*Delta, 0, len(contexts))
	for _, context := range contexts {
		items := contextItems[context]
		slices.SortFunc(items, func(a *AccumulatedItem, b *AccumulatedItem) int {
			if a.SourceRef != b.SourceRef {
				if a.SourceRef < b.SourceRef {
					return -1
				}
				return 1
			}
			if a.Path < b.Path {
				return -1
			} else if b.Path < a.Path {
				return 1
			}
			return 0
		})

		frame := &Delta{
			Context: context,
		}
		var metaUpdate *Update
		var valueUpdate *Update
		for _, item := range items {
			if item.Meta {
				if metaUpdate == nil {
					metaUpdate = &Update{}
				}
				metaUpdate.Meta = append(metaUpdate.Meta, PathValue{Path: item.Path, Value: item.Value})
				metaUpdate.Timestamp = laterTimestamp(metaUpdate.Timestamp, item.Timestamp)
				continue
			}
			if valueUpdate == nil || valueUpdate.SourceRef != item.SourceRef {
				valueUpdate = &Update{
					Source:    item.Source,
					SourceRef: item.SourceRef,
					Backpressure: &BackpressureInfo{
						Duration: heldMillis,
					},
				}
				frame.Updates = append(frame.Updates, valueUpdate)
			}
			valueUpdate.Values = append(valueUpdate.Values, PathValue{Path: item.Path, Value: item.Value})
			valueUpdate.Timestamp = laterTimestamp(valueUpdate.Timestamp, item.Timestamp)
			valueUpdate.Backpressure.Accumulated += 1
		}
		if metaUpdate != nil {
			frame.Updates = append([]*Update{metaUpdate}, frame.Updates...)
		}
		frames = append(frames, frame)
	}
	return frames
}

func laterTimestamp(a string, b string) string {
	if a == "" {
		return b
	}
	at, aErr := ParseTimestamp(a)
	bt, bErr := ParseTimestamp(b)
	if aErr != nil {
		return b
	}
	if bErr != nil {
		return a
	}
	if at.Before(bt) {
		return b
	}
	return a
}
