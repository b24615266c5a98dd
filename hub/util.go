package hub

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

// ids from the same process are ordered by create time
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", src)
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

type callbackEntry[T any] struct {
	callbackId uint64
	callback   T
}

// makes a copy of the list on update
// callbacks are not comparable, so each add returns an id used to remove it
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId uint64
	entries        []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	entries := self.entries
	self.mutex.Unlock()

	callbacks := make([]T, 0, len(entries))
	for _, entry := range entries {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextCallbackId += 1
	nextEntries := make([]callbackEntry[T], 0, len(self.entries)+1)
	nextEntries = append(nextEntries, self.entries...)
	nextEntries = append(nextEntries, callbackEntry[T]{
		callbackId: self.nextCallbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return self.nextCallbackId
}

func (self *CallbackList[T]) Remove(callbackId uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextEntries := make([]callbackEntry[T], 0, len(self.entries))
	for _, entry := range self.entries {
		if entry.callbackId != callbackId {
			nextEntries = append(nextEntries, entry)
		}
	}
	self.entries = nextEntries
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entries)
}

// a one-shot event tied to a context
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Set() {
	self.cancel()
}

func (self *Event) IsSet() bool {
	select {
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

// sets the event on the first of the signals
func (self *Event) SetOnSignals(signals ...os.Signal) {
	stopSignal := make(chan os.Signal, len(signals))
	signal.Notify(stopSignal, signals...)
	go func() {
		defer signal.Stop(stopSignal)
		select {
		case <-self.ctx.Done():
		case <-stopSignal:
			self.Set()
		}
	}()
}
