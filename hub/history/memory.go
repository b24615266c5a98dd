package history

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bringyour/deltahub/hub"
)

type record struct {
	time  time.Time
	delta *hub.Delta
}

// time ordered history held in memory
type MemoryStore struct {
	stateLock sync.Mutex
	records   []*record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: []*record{},
	}
}

func (self *MemoryStore) Append(ctx context.Context, t time.Time, delta *hub.Delta) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// after any records with the same time
	i := sort.Search(len(self.records), func(i int) bool {
		return t.Before(self.records[i].time)
	})
	self.records = append(self.records, nil)
	copy(self.records[i+1:], self.records[i:])
	self.records[i] = &record{
		time:  t,
		delta: delta,
	}
	return nil
}

func (self *MemoryStore) HasAnyData(ctx context.Context, start time.Time) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.firstIndex(start) < len(self.records), nil
}

func (self *MemoryStore) StreamHistory(ctx context.Context, start time.Time, callback func(delta *hub.Delta) error) error {
	self.stateLock.Lock()
	// appends shift the backing array
	records := slices.Clone(self.records[self.firstIndex(start):])
	self.stateLock.Unlock()

	for _, record := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := callback(record.delta); err != nil {
			return err
		}
	}
	return nil
}

// must hold the state lock
func (self *MemoryStore) firstIndex(start time.Time) int {
	return sort.Search(len(self.records), func(i int) bool {
		return !self.records[i].time.Before(start)
	})
}

func (self *MemoryStore) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.records)
}

func (self *MemoryStore) Close() error {
	return nil
}
