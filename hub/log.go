package hub

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Logging convention in the `hub` package:
// Urgent:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - backpressure, overflow and authorization terminations
//     - path ownership conflicts
// Info:
//     session lifecycle (connect, playback, end)
// Debug:
//     key events for trace debugging
//     this includes:
//     - frames received and dropped, put routing
//     - frequent events should be summarized rather than logged per delta

const LogLevelUrgent = 0
const LogLevelInfo = 1
const LogLevelDebug = 2

// a log line as seen by log listeners, e.g. the auxiliary LOG channel
type LogLine struct {
	Time  time.Time
	Level int
	Tag   string
	Line  string
}

type LogListener func(line *LogLine)

var logListeners = NewCallbackList[LogListener]()

// listeners are called synchronously from the logging goroutine, possibly with locks held,
// and must not block or log
func AddLogListener(listener LogListener) uint64 {
	return logListeners.Add(listener)
}

func RemoveLogListener(listenerId uint64) {
	logListeners.Remove(listenerId)
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		verbose := glog.V(glog.Level(level))
		if !verbose {
			return
		}
		m := fmt.Sprintf(format, a...)
		verbose.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		publishLogLine(level, tag, m)
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if !glog.V(glog.Level(level)) {
			return
		}
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}

func publishLogLine(level int, tag string, m string) {
	listeners := logListeners.Get()
	if len(listeners) == 0 {
		return
	}
	line := &LogLine{
		Time:  time.Now(),
		Level: level,
		Tag:   tag,
		Line:  m,
	}
	for _, listener := range listeners {
		listener(line)
	}
}
