package hub

import (
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

type pathSourceKey struct {
	path      string
	sourceRef string
}

// maps path -> source -> the session that currently provides it
// used to route writes back to the owning connection
// at most one session owns a (path, source). A later claim overwrites an earlier one.
type PathSourceRegistry struct {
	log LogFunction

	stateLock sync.Mutex
	// path -> source ref -> owner
	pathSources map[string]map[string]*Session
	// owner -> owned keys, for removal on disconnect
	sessionKeys map[*Session]map[pathSourceKey]bool
}

func NewPathSourceRegistry() *PathSourceRegistry {
	return &PathSourceRegistry{
		log:         LogFn(LogLevelUrgent, "path_source"),
		pathSources: map[string]map[string]*Session{},
		sessionKeys: map[*Session]map[pathSourceKey]bool{},
	}
}

// returns the previous owner if it was a different session
func (self *PathSourceRegistry) Claim(path string, sourceRef string, session *Session) *Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// an ended session was already removed and must not own paths again
	if session.Ended() {
		return nil
	}

	sources, ok := self.pathSources[path]
	if !ok {
		sources = map[string]*Session{}
		self.pathSources[path] = sources
	}
	previous := sources[sourceRef]
	if previous == session {
		return nil
	}
	sources[sourceRef] = session

	key := pathSourceKey{
		path:      path,
		sourceRef: sourceRef,
	}
	if previous != nil {
		self.log("%s from %s was owned by session %s, now owned by session %s", path, sourceRef, previous.Id(), session.Id())
		if keys, ok := self.sessionKeys[previous]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(self.sessionKeys, previous)
			}
		}
	}
	keys, ok := self.sessionKeys[session]
	if !ok {
		keys = map[pathSourceKey]bool{}
		self.sessionKeys[session] = keys
	}
	keys[key] = true
	return previous
}

// true if the registry has an entry for path and (source unspecified, or source present)
func (self *PathSourceRegistry) CanHandlePut(path string, sourceRef string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sources, ok := self.pathSources[path]
	if !ok {
		return false
	}
	if sourceRef == "" {
		return true
	}
	_, ok = sources[sourceRef]
	return ok
}

// resolves the owner of a path and calls `route` while holding the registry lock,
// so that routing is atomic with respect to `RemoveSession`
// `route` must not block and must not call back into the registry
func (self *PathSourceRegistry) Route(path string, sourceRef string, route func(owner *Session, sourceRef string) error) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	owner, resolvedSourceRef, err := self.resolve(path, sourceRef)
	if err != nil {
		return err
	}
	return route(owner, resolvedSourceRef)
}

func (self *PathSourceRegistry) Owner(path string, sourceRef string) (*Session, string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.resolve(path, sourceRef)
}

func (self *PathSourceRegistry) resolve(path string, sourceRef string) (*Session, string, error) {
	sources := self.pathSources[path]
	if sourceRef != "" {
		owner, ok := sources[sourceRef]
		if !ok {
			return nil, "", &NotFoundError{
				Path:   path,
				Source: sourceRef,
			}
		}
		return owner, sourceRef, nil
	}
	switch len(sources) {
	case 0:
		return nil, "", &NotFoundError{
			Path: path,
		}
	case 1:
		for onlySourceRef, owner := range sources {
			return owner, onlySourceRef, nil
		}
	}
	sourceRefs := maps.Keys(sources)
	slices.Sort(sourceRefs)
	return nil, "", &AmbiguousSourceError{
		Path:    path,
		Sources: sourceRefs,
	}
}

func (self *PathSourceRegistry) Sources(path string) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sourceRefs := maps.Keys(self.pathSources[path])
	slices.Sort(sourceRefs)
	return sourceRefs
}

// removes every entry owned by the session. Returns the number removed
func (self *PathSourceRegistry) RemoveSession(session *Session) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys, ok := self.sessionKeys[session]
	if !ok {
		return 0
	}
	delete(self.sessionKeys, session)
	for key := range keys {
		if sources, ok := self.pathSources[key.path]; ok {
			if sources[key.sourceRef] == session {
				delete(sources, key.sourceRef)
			}
			if len(sources) == 0 {
				delete(self.pathSources, key.path)
			}
		}
	}
	return len(keys)
}

func (self *PathSourceRegistry) SessionEntryCount(session *Session) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.sessionKeys[session])
}

func (self *PathSourceRegistry) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	c := 0
	for _, sources := range self.pathSources {
		c += len(sources)
	}
	return c
}

func (self *PathSourceRegistry) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pathSources = map[string]map[string]*Session{}
	self.sessionKeys = map[*Session]map[pathSourceKey]bool{}
}
