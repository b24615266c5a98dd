package hub

import (
	"fmt"
	"strings"
	"time"
)

// the context alias clients use for the server's own vessel
const SelfContextAlias = "vessels.self"

// millisecond precision, always utc
const TimestampFormat = "2006-01-02T15:04:05.000Z"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

func ParseTimestamp(timestamp string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, timestamp)
}

// a timestamped batch of value and meta changes scoped to one context
type Delta struct {
	Context string    `json:"context,omitempty"`
	Updates []*Update `json:"updates"`
}

type Update struct {
	Source       *Source           `json:"source,omitempty"`
	SourceRef    string            `json:"$source,omitempty"`
	Timestamp    string            `json:"timestamp,omitempty"`
	Values       []PathValue       `json:"values,omitempty"`
	Meta         []PathValue       `json:"meta,omitempty"`
	Backpressure *BackpressureInfo `json:"$backpressure,omitempty"`
}

type Source struct {
	Label    string `json:"label,omitempty"`
	Type     string `json:"type,omitempty"`
	Src      string `json:"src,omitempty"`
	Talker   string `json:"talker,omitempty"`
	Sentence string `json:"sentence,omitempty"`
	Pgn      int    `json:"pgn,omitempty"`
	Instance string `json:"instance,omitempty"`
}

type PathValue struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// annotates a coalesced update that was held back by backpressure
type BackpressureInfo struct {
	Accumulated int   `json:"accumulated"`
	Duration    int64 `json:"duration"`
}

// `label.src`, `label.talker`, `label.pgn` or just `label`
func (self *Source) Ref() string {
	if self == nil {
		return ""
	}
	switch {
	case self.Src != "":
		return fmt.Sprintf("%s.%s", self.Label, self.Src)
	case self.Talker != "":
		return fmt.Sprintf("%s.%s", self.Label, self.Talker)
	case self.Pgn != 0:
		return fmt.Sprintf("%s.%d", self.Label, self.Pgn)
	default:
		return self.Label
	}
}

// fills in defaults for a delta received from a data source
// - missing or aliased context becomes the self context
// - missing timestamps become `now`
// - `$source` is derived from `source` when absent; `defaultSourceRef` otherwise
func (self *Delta) Normalize(selfContext string, defaultSourceRef string, now time.Time) {
	if self.Context == "" || self.Context == SelfContextAlias {
		self.Context = selfContext
	}
	for _, update := range self.Updates {
		if update == nil {
			continue
		}
		if update.Timestamp == "" {
			update.Timestamp = FormatTimestamp(now)
		}
		if update.SourceRef == "" {
			update.SourceRef = update.Source.Ref()
		}
		if update.SourceRef == "" {
			update.SourceRef = defaultSourceRef
		}
	}
	self.Updates = compactUpdates(self.Updates)
}

func compactUpdates(updates []*Update) []*Update {
	compacted := make([]*Update, 0, len(updates))
	for _, update := range updates {
		if update != nil {
			compacted = append(compacted, update)
		}
	}
	return compacted
}

func (self *Delta) ValueCount() int {
	c := 0
	for _, update := range self.Updates {
		c += len(update.Values)
	}
	return c
}

func (self *Delta) IsEmpty() bool {
	for _, update := range self.Updates {
		if 0 < len(update.Values) || 0 < len(update.Meta) {
			return false
		}
	}
	return true
}

// the latest update timestamp, or false if none parse
func (self *Delta) Time() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, update := range self.Updates {
		t, err := ParseTimestamp(update.Timestamp)
		if err != nil {
			continue
		}
		if !found || latest.Before(t) {
			latest = t
			found = true
		}
	}
	return latest, found
}

// returns a new delta with only the values and meta that match
// the delta is shared between sessions so it is never modified in place
// returns nil when nothing matches
func (self *Delta) FilterPaths(match func(path string) bool) *Delta {
	filtered := &Delta{
		Context: self.Context,
	}
	for _, update := range self.Updates {
		var values []PathValue
		for _, pathValue := range update.Values {
			if match(pathValue.Path) {
				values = append(values, pathValue)
			}
		}
		var meta []PathValue
		for _, pathValue := range update.Meta {
			if match(pathValue.Path) {
				meta = append(meta, pathValue)
			}
		}
		if len(values) == 0 && len(meta) == 0 {
			continue
		}
		filtered.Updates = append(filtered.Updates, &Update{
			Source:       update.Source,
			SourceRef:    update.SourceRef,
			Timestamp:    update.Timestamp,
			Values:       values,
			Meta:         meta,
			Backpressure: update.Backpressure,
		})
	}
	if len(filtered.Updates) == 0 {
		return nil
	}
	return filtered
}

// dot-separated prefixes of a path from the full path toward the root
// `a.b.c` -> `a.b.c`, `a.b`, `a`
func pathPrefixes(path string) []string {
	if path == "" {
		return []string{""}
	}
	parts := strings.Split(path, ".")
	prefixes := make([]string, 0, len(parts))
	for i := len(parts); 0 < i; i -= 1 {
		prefixes = append(prefixes, strings.Join(parts[0:i], "."))
	}
	return prefixes
}
