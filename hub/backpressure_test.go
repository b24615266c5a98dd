package hub

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testBackpressureSettings() *BackpressureSettings {
	return &BackpressureSettings{
		EnterBytes:            ByteCount(1024),
		ExitBytes:             ByteCount(16),
		MaxBufferBytes:        kib(4),
		MaxBufferDuration:     time.Second,
		OverflowCheckInterval: time.Second,
	}
}

func TestBackpressureBelowEnter(t *testing.T) {
	transport := newTestTransport()
	gate := NewBackpressureGate(testBackpressureSettings(), transport, NewMetrics(), "test")

	n := 100
	for i := 0; i < n; i += 1 {
		err := gate.Deliver(testDelta("vessels.a", "s", "navigation.speedOverGround", i))
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, gate.Active(), false)
	assert.Equal(t, gate.AccumulatorSize(), 0)

	// every value in order, none coalesced
	deltas := transport.deltas()
	assert.Equal(t, len(deltas), n)
	for i, delta := range deltas {
		assert.Equal(t, delta.Updates[0].Values[0].Value, float64(i))
		assert.Equal(t, delta.Updates[0].Backpressure == nil, true)
	}

	flushed, err := gate.Drain()
	assert.Equal(t, err, nil)
	assert.Equal(t, flushed, false)
}

func TestBackpressureAccumulatorBounded(t *testing.T) {
	transport := newTestTransport()
	gate := NewBackpressureGate(testBackpressureSettings(), transport, NewMetrics(), "test")

	transport.setBufferedAmount(kib(2))

	keyCount := 10
	for i := 0; i < 100000; i += 1 {
		path := fmt.Sprintf("propulsion.main.p%d", i%keyCount)
		gate.Deliver(testDelta("vessels.a", "n2k.1", path, i))
	}
	assert.Equal(t, gate.Active(), true)
	assert.Equal(t, gate.AccumulatorSize(), keyCount)
	assert.Equal(t, len(transport.deltas()), 0)

	// still above the exit threshold
	transport.setBufferedAmount(ByteCount(512))
	flushed, err := gate.Drain()
	assert.Equal(t, err, nil)
	assert.Equal(t, flushed, false)
	assert.Equal(t, gate.AccumulatorSize(), keyCount)

	transport.setBufferedAmount(0)
	flushed, err = gate.Drain()
	assert.Equal(t, err, nil)
	assert.Equal(t, flushed, true)
	assert.Equal(t, gate.Active(), false)
	assert.Equal(t, gate.AccumulatorSize(), 0)

	deltas := transport.deltas()
	assert.Equal(t, len(deltas), 1)
	delta := deltas[0]
	assert.Equal(t, delta.Context, "vessels.a")
	assert.Equal(t, len(delta.Updates), 1)
	update := delta.Updates[0]
	assert.Equal(t, update.SourceRef, "n2k.1")
	assert.Equal(t, len(update.Values), keyCount)
	assert.Equal(t, update.Backpressure.Accumulated, keyCount)
	// the latest value of each key
	for _, pathValue := range update.Values {
		var k int
		fmt.Sscanf(pathValue.Path, "propulsion.main.p%d", &k)
		assert.Equal(t, pathValue.Value, float64(100000-keyCount+k))
	}

	// nothing left to flush
	flushed, err = gate.Drain()
	assert.Equal(t, err, nil)
	assert.Equal(t, flushed, false)
	assert.Equal(t, len(transport.deltas()), 1)
}

func TestBackpressureFlushGrouping(t *testing.T) {
	transport := newTestTransport()
	gate := NewBackpressureGate(testBackpressureSettings(), transport, NewMetrics(), "test")

	transport.setBufferedAmount(kib(2))

	gate.Deliver(
		&Delta{
			Context: "vessels.b",
			Updates: []*Update{
				{
					Timestamp: "2024-01-01T00:00:00.000Z",
					Meta:      []PathValue{{Path: "navigation.speedOverGround", Value: map[string]any{"units": "m/s"}}},
				},
			},
		},
		testDelta("vessels.b", "s2", "navigation.speedOverGround", 1),
		testDelta("vessels.b", "s1", "navigation.speedOverGround", 2),
		testDelta("vessels.b", "s1", "navigation.courseOverGroundTrue", 3),
		testDelta("vessels.a", "s1", "navigation.speedOverGround", 4),
	)
	// one key per (context, path, source), plus the meta key
	assert.Equal(t, gate.AccumulatorSize(), 5)

	transport.setBufferedAmount(0)
	flushed, err := gate.Drain()
	assert.Equal(t, err, nil)
	assert.Equal(t, flushed, true)

	// one frame per context
	deltas := transport.deltas()
	assert.Equal(t, len(deltas), 2)
	assert.Equal(t, deltas[0].Context, "vessels.a")
	assert.Equal(t, deltas[1].Context, "vessels.b")

	b := deltas[1]
	assert.Equal(t, len(b.Updates), 3)
	// meta first, then one update per source
	assert.Equal(t, len(b.Updates[0].Meta), 1)
	assert.Equal(t, b.Updates[1].SourceRef, "s1")
	assert.Equal(t, len(b.Updates[1].Values), 2)
	assert.Equal(t, b.Updates[1].Backpressure.Accumulated, 2)
	assert.Equal(t, b.Updates[2].SourceRef, "s2")
	assert.Equal(t, len(b.Updates[2].Values), 1)
}

func TestBackpressureDirectWriteSupersedes(t *testing.T) {
	transport := newTestTransport()
	gate := NewBackpressureGate(testBackpressureSettings(), transport, NewMetrics(), "test")

	transport.setBufferedAmount(kib(2))
	gate.Deliver(testDelta("vessels.a", "s", "navigation.speedOverGround", 1))
	gate.Deliver(testDelta("vessels.a", "s", "navigation.courseOverGroundTrue", 2))
	assert.Equal(t, gate.AccumulatorSize(), 2)

	// between the thresholds, writes go straight through
	transport.setBufferedAmount(ByteCount(512))
	gate.Deliver(testDelta("vessels.a", "s", "navigation.speedOverGround", 3))
	assert.Equal(t, gate.AccumulatorSize(), 1)

	transport.setBufferedAmount(0)
	flushed, err := gate.Drain()
	assert.Equal(t, err, nil)
	assert.Equal(t, flushed, true)

	deltas := transport.deltas()
	assert.Equal(t, len(deltas), 2)
	assert.Equal(t, deltas[0].Updates[0].Values[0].Value, float64(3))
	assert.Equal(t, deltas[1].Updates[0].Values[0].Path, "navigation.courseOverGroundTrue")
	for _, delta := range deltas {
		for _, update := range delta.Updates {
			for _, pathValue := range update.Values {
				assert.NotEqual(t, pathValue.Value, float64(1))
			}
		}
	}
}

func TestBackpressureOverflow(t *testing.T) {
	transport := newTestTransport()
	gate := NewBackpressureGate(testBackpressureSettings(), transport, NewMetrics(), "test")

	now := time.Now()
	assert.Equal(t, gate.CheckOverflow(now), false)

	transport.setBufferedAmount(kib(8))
	assert.Equal(t, gate.CheckOverflow(now), false)
	assert.Equal(t, gate.CheckOverflow(now.Add(500*time.Millisecond)), false)
	assert.Equal(t, gate.CheckOverflow(now.Add(2*time.Second)), true)

	// dropping below resets the window
	transport.setBufferedAmount(0)
	assert.Equal(t, gate.CheckOverflow(now.Add(3*time.Second)), false)
	transport.setBufferedAmount(kib(8))
	assert.Equal(t, gate.CheckOverflow(now.Add(4*time.Second)), false)
	assert.Equal(t, gate.CheckOverflow(now.Add(4500*time.Millisecond)), false)
}

func TestLaterTimestamp(t *testing.T) {
	a := "2024-01-01T00:00:00.000Z"
	b := "2024-01-01T00:00:01.000Z"
	assert.Equal(t, laterTimestamp("", a), a)
	assert.Equal(t, laterTimestamp(a, b), b)
	assert.Equal(t, laterTimestamp(b, a), b)
	assert.Equal(t, laterTimestamp(a, "bad"), a)
}
