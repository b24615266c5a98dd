package hub

import (
	"regexp"
	"strings"
	"sync"
)

type SubscribeCommand struct {
	Context   string
	Subscribe []SubscribeItem
}

type UnsubscribeCommand struct {
	Context     string
	Unsubscribe []SubscribeItem
}

// the subscription-expression matcher consumed by the fan-out pipeline
type SubscriptionManager interface {
	Subscribe(session *Session, command *SubscribeCommand) error
	Unsubscribe(session *Session, command *UnsubscribeCommand) error
	// returns the part of the delta the session subscribed to, or nil
	Filter(session *Session, delta *Delta) *Delta
	// drops all subscriptions of the session
	RemoveSession(session *Session)
}

type pathSubscription struct {
	contextPattern string
	pathPattern    string
	context        *regexp.Regexp
	path           *regexp.Regexp
}

// subscriptions are (context pattern, path pattern) pairs where `*` matches any run of characters
// `vessels.self` resolves to the server's self context
type PatternSubscriptionManager struct {
	selfContext string

	stateLock            sync.Mutex
	sessionSubscriptions map[*Session][]*pathSubscription
}

func NewPatternSubscriptionManager(selfContext string) *PatternSubscriptionManager {
	return &PatternSubscriptionManager{
		selfContext:          selfContext,
		sessionSubscriptions: map[*Session][]*pathSubscription{},
	}
}

func (self *PatternSubscriptionManager) Subscribe(session *Session, command *SubscribeCommand) error {
	contextPattern := self.resolveContext(command.Context)
	contextRegexp, err := compilePattern(contextPattern)
	if err != nil {
		return err
	}
	added := []*pathSubscription{}
	for _, item := range command.Subscribe {
		pathPattern := item.Path
		if pathPattern == "" {
			pathPattern = "*"
		}
		pathRegexp, err := compilePattern(pathPattern)
		if err != nil {
			return err
		}
		added = append(added, &pathSubscription{
			contextPattern: contextPattern,
			pathPattern:    pathPattern,
			context:        contextRegexp,
			path:           pathRegexp,
		})
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if session.Ended() {
		return ErrSessionEnded
	}
	subscriptions := self.sessionSubscriptions[session]
	for _, subscription := range added {
		if !containsSubscription(subscriptions, subscription) {
			subscriptions = append(subscriptions, subscription)
		}
	}
	self.sessionSubscriptions[session] = subscriptions
	return nil
}

// `{context: "*", unsubscribe: [{path: "*"}]}` removes every subscription
func (self *PatternSubscriptionManager) Unsubscribe(session *Session, command *UnsubscribeCommand) error {
	contextPattern := self.resolveContext(command.Context)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if session.Ended() {
		return ErrSessionEnded
	}
	subscriptions := self.sessionSubscriptions[session]
	for _, item := range command.Unsubscribe {
		pathPattern := item.Path
		if pathPattern == "" {
			pathPattern = "*"
		}
		if contextPattern == "*" && pathPattern == "*" {
			subscriptions = nil
			break
		}
		next := make([]*pathSubscription, 0, len(subscriptions))
		for _, subscription := range subscriptions {
			if subscription.contextPattern != contextPattern || subscription.pathPattern != pathPattern {
				next = append(next, subscription)
			}
		}
		subscriptions = next
	}
	if len(subscriptions) == 0 {
		delete(self.sessionSubscriptions, session)
	} else {
		self.sessionSubscriptions[session] = subscriptions
	}
	return nil
}

func (self *PatternSubscriptionManager) Filter(session *Session, delta *Delta) *Delta {
	self.stateLock.Lock()
	subscriptions := self.sessionSubscriptions[session]
	self.stateLock.Unlock()

	matching := []*pathSubscription{}
	for _, subscription := range subscriptions {
		if subscription.context.MatchString(delta.Context) {
			matching = append(matching, subscription)
		}
	}
	if len(matching) == 0 {
		return nil
	}
	for _, subscription := range matching {
		if subscription.pathPattern == "*" {
			return delta
		}
	}
	return delta.FilterPaths(func(path string) bool {
		for _, subscription := range matching {
			if subscription.path.MatchString(path) {
				return true
			}
		}
		return false
	})
}

func (self *PatternSubscriptionManager) RemoveSession(session *Session) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.sessionSubscriptions, session)
}

func (self *PatternSubscriptionManager) SubscriptionCount(session *Session) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.sessionSubscriptions[session])
}

func (self *PatternSubscriptionManager) resolveContext(context string) string {
	switch context {
	case "", SelfContextAlias:
		return self.selfContext
	default:
		return context
	}
}

func containsSubscription(subscriptions []*pathSubscription, subscription *pathSubscription) bool {
	for _, existing := range subscriptions {
		if existing.contextPattern == subscription.contextPattern && existing.pathPattern == subscription.pathPattern {
			return true
		}
	}
	return false
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
