package hub

import (
	"context"
	"time"
)

// recorded deltas for playback
type HistoryProvider interface {
	// true if there is at least one delta at or after `start`
	HasAnyData(ctx context.Context, start time.Time) (bool, error)
	// calls `callback` with each delta at or after `start` in time order
	// stops at the first callback error and returns it
	StreamHistory(ctx context.Context, start time.Time, callback func(delta *Delta) error) error
}

// a provider with no data. Playback sessions end immediately.
type EmptyHistory struct {
}

func (self *EmptyHistory) HasAnyData(ctx context.Context, start time.Time) (bool, error) {
	return false, nil
}

func (self *EmptyHistory) StreamHistory(ctx context.Context, start time.Time, callback func(delta *Delta) error) error {
	return nil
}

// receives every dispatched delta, e.g. to record history
// called on the dispatch goroutine and must not block
type DeltaListener func(delta *Delta)
