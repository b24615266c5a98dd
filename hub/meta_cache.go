package hub

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type MetaSentCacheSettings struct {
	// a key is forgotten this long after it was marked and its metadata is sent again. 0 never forgets.
	Ttl      time.Duration
	Capacity uint64
}

func DefaultMetaSentCacheSettings() *MetaSentCacheSettings {
	return &MetaSentCacheSettings{
		Ttl:      1 * time.Hour,
		Capacity: 64_000,
	}
}

// the (context, path) keys whose metadata was already sent to one session
// The cache is emptied when the metadata version it was filled under changes.
type MetaSentCache struct {
	stateLock sync.Mutex
	sent      *ttlcache.Cache[string, struct{}]
	version   uint64
}

// the expiration loop runs until the context is done
func NewMetaSentCache(ctx context.Context, settings *MetaSentCacheSettings) *MetaSentCache {
	sent := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](settings.Ttl),
		ttlcache.WithCapacity[string, struct{}](settings.Capacity),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	if 0 < settings.Ttl {
		go sent.Start()
		go func() {
			<-ctx.Done()
			sent.Stop()
		}()
	}
	return &MetaSentCache{
		sent: sent,
	}
}

func metaKey(context string, path string) string {
	return context + "." + path
}

// marks the key sent. Returns false if it was already marked.
func (self *MetaSentCache) Mark(context string, path string) bool {
	key := metaKey(context, path)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.sent.Get(key) != nil {
		return false
	}
	self.sent.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return true
}

func (self *MetaSentCache) Contains(context string, path string) bool {
	return self.sent.Get(metaKey(context, path)) != nil
}

// clears the cache if the metadata changed since the last call
func (self *MetaSentCache) syncVersion(version uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.version != version {
		self.sent.DeleteAll()
		self.version = version
	}
}

func (self *MetaSentCache) Len() int {
	return self.sent.Len()
}

func (self *MetaSentCache) Clear() {
	self.sent.DeleteAll()
}

// builds the meta frame that must precede `delta` for this session
// For each value path, walk the prefixes from the full path toward the root.
// Each unmarked prefix is marked and its descriptor, if any, is included.
// The walk stops at the first marked prefix since its ancestors were covered when it was marked.
// A metadata change empties the cache, so a descriptor added later reaches sessions on the next delta.
// returns nil when there is nothing new to send
func collectMeta(cache *MetaSentCache, metadata Metadata, delta *Delta, now time.Time) *Delta {
	cache.syncVersion(metadata.Version())
	var meta []PathValue
	for _, update := range delta.Updates {
		for _, pathValue := range update.Values {
			for _, prefix := range pathPrefixes(pathValue.Path) {
				if !cache.Mark(delta.Context, prefix) {
					break
				}
				if descriptor, ok := metadata.Lookup(delta.Context, prefix); ok {
					meta = append(meta, PathValue{
						Path:  prefix,
						Value: descriptor,
					})
				}
			}
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return &Delta{
		Context: delta.Context,
		Updates: []*Update{
			{
				Timestamp: FormatTimestamp(now),
				Meta:      meta,
			},
		},
	}
}
