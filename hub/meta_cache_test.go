package hub

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCollectMeta(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metadata := NewStaticMetadata()
	metadata.Set("electrical.batteries.house.voltage", map[string]any{"units": "V"})
	metadata.Set("electrical", map[string]any{"description": "electrical"})
	metadata.SetContext("vessels.b", "electrical.batteries.house.voltage", map[string]any{"units": "mV"})

	cache := NewMetaSentCache(ctx, DefaultMetaSentCacheSettings())
	now := time.Now()

	meta := collectMeta(cache, metadata, testDelta("vessels.a", "s", "electrical.batteries.house.voltage", 12.1), now)
	assert.Equal(t, meta.Context, "vessels.a")
	assert.Equal(t, len(meta.Updates), 1)
	metaValues := meta.Updates[0].Meta
	assert.Equal(t, len(metaValues), 2)
	assert.Equal(t, metaValues[0].Path, "electrical.batteries.house.voltage")
	assert.Equal(t, metaValues[0].Value, map[string]any{"units": "V"})
	assert.Equal(t, metaValues[1].Path, "electrical")

	// every prefix is marked
	assert.Equal(t, cache.Contains("vessels.a", "electrical.batteries"), true)
	assert.Equal(t, cache.Len(), 4)

	// already sent
	meta = collectMeta(cache, metadata, testDelta("vessels.a", "s", "electrical.batteries.house.voltage", 12.2), now)
	assert.Equal(t, meta == nil, true)

	// a sibling stops at the first marked prefix
	meta = collectMeta(cache, metadata, testDelta("vessels.a", "s", "electrical.batteries.house.current", 1), now)
	assert.Equal(t, meta == nil, true)
	assert.Equal(t, cache.Len(), 5)

	// per context
	meta = collectMeta(cache, metadata, testDelta("vessels.b", "s", "electrical.batteries.house.voltage", 12.1), now)
	assert.Equal(t, meta.Updates[0].Meta[0].Value, map[string]any{"units": "mV"})

	cache.Clear()
	assert.Equal(t, cache.Len(), 0)
	meta = collectMeta(cache, metadata, testDelta("vessels.a", "s", "electrical.batteries.house.voltage", 12.3), now)
	assert.NotEqual(t, meta == nil, true)
}

func TestCollectMetaAfterMetadataChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metadata := NewStaticMetadata()
	metadata.Set("navigation.speedOverGround", map[string]any{"units": "m/s"})

	cache := NewMetaSentCache(ctx, DefaultMetaSentCacheSettings())
	now := time.Now()

	meta := collectMeta(cache, metadata, testDelta("vessels.a", "s", "navigation.speedOverGround", 1), now)
	assert.Equal(t, len(meta.Updates[0].Meta), 1)
	meta = collectMeta(cache, metadata, testDelta("vessels.a", "s", "navigation.speedOverGround", 2), now)
	assert.Equal(t, meta == nil, true)

	// a descriptor added to an already marked prefix is sent with the next delta
	metadata.Set("navigation", map[string]any{"description": "navigation"})
	meta = collectMeta(cache, metadata, testDelta("vessels.a", "s", "navigation.speedOverGround", 3), now)
	assert.NotEqual(t, meta == nil, true)
	paths := []string{}
	for _, pathValue := range meta.Updates[0].Meta {
		paths = append(paths, pathValue.Path)
	}
	assert.Equal(t, paths, []string{"navigation.speedOverGround", "navigation"})

	meta = collectMeta(cache, metadata, testDelta("vessels.a", "s", "navigation.speedOverGround", 4), now)
	assert.Equal(t, meta == nil, true)
}

func TestMetaSentCacheTtl(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := NewMetaSentCache(ctx, &MetaSentCacheSettings{
		Ttl:      100 * time.Millisecond,
		Capacity: 2,
	})
	assert.Equal(t, cache.Mark("vessels.a", "a"), true)
	assert.Equal(t, cache.Mark("vessels.a", "a"), false)
	assert.Equal(t, cache.Contains("vessels.a", "a"), true)

	// over capacity the oldest key is forgotten
	cache.Mark("vessels.a", "b")
	cache.Mark("vessels.a", "c")
	assert.Equal(t, cache.Len(), 2)
	assert.Equal(t, cache.Contains("vessels.a", "a"), false)

	waitFor(t, func() bool {
		return cache.Len() == 0
	})
	assert.Equal(t, cache.Mark("vessels.a", "b"), true)
}

func TestStaticMetadataReplace(t *testing.T) {
	metadata := NewStaticMetadata()
	metadata.Set("a", map[string]any{"units": "m"})
	assert.Equal(t, metadata.Len(), 1)
	version := metadata.Version()

	metadata.Replace(map[string]map[string]any{
		"b": {"units": "s"},
	}, nil)
	_, ok := metadata.Lookup("vessels.x", "a")
	assert.Equal(t, ok, false)
	descriptor, ok := metadata.Lookup("vessels.x", "b")
	assert.Equal(t, ok, true)
	assert.Equal(t, descriptor["units"], "s")
	assert.NotEqual(t, metadata.Version(), version)
}
