package history

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/deltahub/hub"
)

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatal("timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecorderPlayback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	settings := hub.DefaultHubSettings()
	settings.MetaSent.Ttl = 0
	deltaHub := hub.NewHub(ctx, settings, hub.HubOptions{
		History: store,
	})
	defer deltaHub.Close()

	recorder := NewRecorderWithDefaults(ctx, deltaHub, store)
	defer recorder.Close()

	for i := 0; i < 10; i += 1 {
		deltaHub.Publish(testDelta(float64(i), testStart.Add(time.Duration(i)*time.Millisecond)))
	}
	waitFor(t, func() bool {
		return recorder.Recorded() == 10
	})
	assert.Equal(t, recorder.Dropped(), int64(0))
	assert.Equal(t, store.Len(), 10)

	values := streamValues(t, store, testStart.Add(5*time.Millisecond))
	assert.Equal(t, values, []any{float64(5), float64(6), float64(7), float64(8), float64(9)})
}

func TestRecorderClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	deltaHub := hub.NewHubWithDefaults(ctx)
	defer deltaHub.Close()

	recorder := NewRecorderWithDefaults(ctx, deltaHub, store)
	deltaHub.Publish(testDelta(float64(1), testStart))
	waitFor(t, func() bool {
		return recorder.Recorded() == 1
	})

	recorder.Close()
	// the listener is removed once the recorder stops
	time.Sleep(50 * time.Millisecond)
	deltaHub.Publish(testDelta(float64(2), testStart))
	assert.Equal(t, deltaHub.Sync(), true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, store.Len(), 1)
}
