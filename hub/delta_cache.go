package hub

import (
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// last known values, replayed to new realtime sessions
type DeltaCache interface {
	Update(delta *Delta)
	// one delta per context and source with the latest value of each path
	GetCachedDeltas() []*Delta
}

type cachedValue struct {
	source    *Source
	timestamp string
	value     any
}

type MemoryDeltaCache struct {
	stateLock sync.Mutex
	// context -> $source -> path -> value
	values map[string]map[string]map[string]*cachedValue
}

func NewMemoryDeltaCache() *MemoryDeltaCache {
	return &MemoryDeltaCache{
		values: map[string]map[string]map[string]*cachedValue{},
	}
}

func (self *MemoryDeltaCache) Update(delta *Delta) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sourceValues, ok := self.values[delta.Context]
	if !ok {
		sourceValues = map[string]map[string]*cachedValue{}
		self.values[delta.Context] = sourceValues
	}
	for _, update := range delta.Updates {
		if len(update.Values) == 0 {
			continue
		}
		pathValues, ok := sourceValues[update.SourceRef]
		if !ok {
			pathValues = map[string]*cachedValue{}
			sourceValues[update.SourceRef] = pathValues
		}
		for _, pathValue := range update.Values {
			if pathValue.Value == nil {
				// null clears the value
				delete(pathValues, pathValue.Path)
				continue
			}
			pathValues[pathValue.Path] = &cachedValue{
				source:    update.Source,
				timestamp: update.Timestamp,
				value:     pathValue.Value,
			}
		}
	}
}

func (self *MemoryDeltaCache) GetCachedDeltas() []*Delta {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	contexts := maps.Keys(self.values)
	slices.Sort(contexts)

	deltas := []*Delta{}
	for _, context := range contexts {
		sourceValues := self.values[context]
		sourceRefs := maps.Keys(sourceValues)
		slices.Sort(sourceRefs)

		delta := &Delta{
			Context: context,
		}
		for _, sourceRef := range sourceRefs {
			pathValues := sourceValues[sourceRef]
			paths := maps.Keys(pathValues)
			slices.Sort(paths)

			for _, path := range paths {
				cached := pathValues[path]
				// one update per (source, timestamp) keeps each value's own timestamp
				var update *Update
				if n := len(delta.Updates); 0 < n {
					last := delta.Updates[n-1]
					if last.SourceRef == sourceRef && last.Timestamp == cached.timestamp {
						update = last
					}
				}
				if update == nil {
					update = &Update{
						Source:    cached.source,
						SourceRef: sourceRef,
						Timestamp: cached.timestamp,
					}
					delta.Updates = append(delta.Updates, update)
				}
				update.Values = append(update.Values, PathValue{Path: path, Value: cached.value})
			}
		}
		if 0 < len(delta.Updates) {
			deltas = append(deltas, delta)
		}
	}
	return deltas
}

// the number of cached values
func (self *MemoryDeltaCache) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := 0
	for _, sourceValues := range self.values {
		for _, pathValues := range sourceValues {
			c += len(pathValues)
		}
	}
	return c
}
