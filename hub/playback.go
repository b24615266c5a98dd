package hub

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const (
	PlaybackNoDataMessage   = "No data found"
	PlaybackFinishedMessage = "Playback finished"
)

func (self *Hub) startPlayback(session *Session) {
	self.subscribeDefault(session)
	go HandleError(func() {
		self.runPlayback(session)
	}, func(err error) {
		session.End(websocket.CloseInternalServerErr, "Playback error", nil)
	})
}

// replays history at or after the start time through the same delivery path as live deltas
// Deltas are paced by their timestamps divided by the playback rate.
func (self *Hub) runPlayback(session *Session) {
	options := session.options
	rate := options.PlaybackRate
	if rate <= 0 {
		rate = 1
	}

	hasData, err := self.history.HasAnyData(session.ctx, options.StartTime)
	if err != nil {
		session.log("playback history error = %s", err)
		session.End(websocket.CloseInternalServerErr, "History error", &ErrorFrame{
			ErrorMessage: err.Error(),
		})
		return
	}
	if !hasData {
		session.log("playback no data at or after %s", FormatTimestamp(options.StartTime))
		session.End(websocket.CloseNormalClosure, PlaybackNoDataMessage, &ErrorFrame{
			ErrorMessage: PlaybackNoDataMessage,
		})
		return
	}

	self.writeHello(session, options)
	session.log("playback from %s at %.2fx", FormatTimestamp(options.StartTime), rate)

	pacer := newPlaybackPacer(rate)
	delivered := 0
	err = self.history.StreamHistory(session.ctx, options.StartTime, func(delta *Delta) error {
		if t, ok := delta.Time(); ok {
			if err := pacer.wait(session.ctx, t); err != nil {
				return err
			}
		}
		if session.deliver(delta) {
			delivered += 1
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		session.log("playback stream error = %s", err)
		session.End(websocket.CloseInternalServerErr, "History error", &ErrorFrame{
			ErrorMessage: err.Error(),
		})
		return
	}
	session.log("playback finished, %d deltas", delivered)
	session.End(websocket.CloseNormalClosure, PlaybackFinishedMessage, nil)
}

// maps recorded time to wall time
type playbackPacer struct {
	rate        float64
	firstRecord time.Time
	firstWall   time.Time
}

func newPlaybackPacer(rate float64) *playbackPacer {
	return &playbackPacer{
		rate: rate,
	}
}

// sleeps until the wall time of the recorded time `t`
func (self *playbackPacer) wait(ctx context.Context, t time.Time) error {
	if self.firstWall.IsZero() {
		self.firstRecord = t
		self.firstWall = time.Now()
		return nil
	}
	offset := time.Duration(float64(t.Sub(self.firstRecord)) / self.rate)
	timeout := time.Until(self.firstWall.Add(offset))
	if timeout <= 0 {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
