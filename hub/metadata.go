package hub

import (
	"sync"
)

// static descriptive metadata for a path, e.g. units and display ranges
type Metadata interface {
	Lookup(context string, path string) (map[string]any, bool)
	// changes whenever a descriptor is added, changed or removed
	Version() uint64
}

// metadata held in memory, keyed by path and optionally overridden per context
type StaticMetadata struct {
	stateLock sync.RWMutex
	// path -> descriptor
	paths map[string]map[string]any
	// context -> path -> descriptor
	contextPaths map[string]map[string]map[string]any
	version      uint64
}

func NewStaticMetadata() *StaticMetadata {
	return &StaticMetadata{
		paths:        map[string]map[string]any{},
		contextPaths: map[string]map[string]map[string]any{},
	}
}

func (self *StaticMetadata) Lookup(context string, path string) (map[string]any, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	if paths, ok := self.contextPaths[context]; ok {
		if descriptor, ok := paths[path]; ok {
			return descriptor, true
		}
	}
	descriptor, ok := self.paths[path]
	return descriptor, ok
}

func (self *StaticMetadata) Set(path string, descriptor map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.paths[path] = descriptor
	self.version += 1
}

func (self *StaticMetadata) Version() uint64 {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return self.version
}

func (self *StaticMetadata) SetContext(context string, path string, descriptor map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	paths, ok := self.contextPaths[context]
	if !ok {
		paths = map[string]map[string]any{}
		self.contextPaths[context] = paths
	}
	paths[path] = descriptor
	self.version += 1
}

// replaces all descriptors at once
func (self *StaticMetadata) Replace(paths map[string]map[string]any, contextPaths map[string]map[string]map[string]any) {
	if paths == nil {
		paths = map[string]map[string]any{}
	}
	if contextPaths == nil {
		contextPaths = map[string]map[string]map[string]any{}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.paths = paths
	self.contextPaths = contextPaths
	self.version += 1
}

func (self *StaticMetadata) Len() int {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	c := len(self.paths)
	for _, paths := range self.contextPaths {
		c += len(paths)
	}
	return c
}
