package history

import (
	"context"
	"fmt"
	"time"

	"github.com/bringyour/deltahub/hub"
)

// a history provider that can also be written
type Store interface {
	hub.HistoryProvider
	// appends a delta recorded at `t`
	Append(ctx context.Context, t time.Time, delta *hub.Delta) error
	Close() error
}

// the store for a history config, or nil for provider `none`
func NewStore(config *hub.HistoryConfig) (Store, error) {
	switch config.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		if config.Path == "" {
			return nil, fmt.Errorf("file history requires a path")
		}
		return NewFileStore(config.Path)
	case "postgres":
		return NewPostgresStore(config.Dsn)
	default:
		return nil, fmt.Errorf("unknown history provider %s", config.Provider)
	}
}

// the record time of a delta, its latest update timestamp or `now`
func recordTime(delta *hub.Delta, now time.Time) time.Time {
	if t, ok := delta.Time(); ok {
		return t
	}
	return now
}
