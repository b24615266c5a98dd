package hub

import (
	"container/heap"
	"time"
)

// a routed request waiting for its reply
type putRequest struct {
	// the id chosen by the origin, unique per origin
	requestId string
	// the id forwarded to the owner, unique per router
	routedId  string
	origin    *Session
	owner     *Session
	kind      FrameKind
	path      string
	sourceRef string
	deadline  time.Time

	state      RequestState
	statusCode int
	message    string

	// the index of the item in the heap
	heapIndex int
}

func (self *putRequest) reply() *ReplyFrame {
	return &ReplyFrame{
		RequestId:  self.requestId,
		State:      self.state,
		StatusCode: self.statusCode,
		Message:    self.message,
	}
}

// pending requests ordered by deadline, indexed by routed id
// not thread safe; guarded by the put router state lock
type putQueue struct {
	orderedItems []*putRequest
	// routed_id -> item
	routedIdItems map[string]*putRequest
}

func newPutQueue() *putQueue {
	putQueue := &putQueue{
		orderedItems:  []*putRequest{},
		routedIdItems: map[string]*putRequest{},
	}
	heap.Init(putQueue)
	return putQueue
}

func (self *putQueue) QueueSize() int {
	return len(self.orderedItems)
}

func (self *putQueue) Add(item *putRequest) {
	self.routedIdItems[item.routedId] = item
	heap.Push(self, item)
}

func (self *putQueue) GetByRoutedId(routedId string) *putRequest {
	return self.routedIdItems[routedId]
}

func (self *putQueue) RemoveByRoutedId(routedId string) *putRequest {
	item, ok := self.routedIdItems[routedId]
	if !ok {
		return nil
	}
	delete(self.routedIdItems, routedId)
	item_ := heap.Remove(self, item.heapIndex)
	if item != item_ {
		panic("Heap invariant broken.")
	}
	return item
}

func (self *putQueue) PeekFirst() *putRequest {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

func (self *putQueue) RemoveFirst() *putRequest {
	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*putRequest)
	delete(self.routedIdItems, item.routedId)
	return item
}

// removes and returns the items with deadline at or before `now`
func (self *putQueue) RemoveExpired(now time.Time) []*putRequest {
	expired := []*putRequest{}
	for {
		first := self.PeekFirst()
		if first == nil || now.Before(first.deadline) {
			return expired
		}
		expired = append(expired, self.RemoveFirst())
	}
}

// heap.Interface

func (self *putQueue) Push(x any) {
	item := x.(*putRequest)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *putQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *putQueue) Len() int {
	return len(self.orderedItems)
}

func (self *putQueue) Less(i int, j int) bool {
	return self.orderedItems[i].deadline.Before(self.orderedItems[j].deadline)
}

func (self *putQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
