package hub

import (
	"time"
)

type Permission string

const (
	PermissionReadOnly  Permission = "readonly"
	PermissionReadWrite Permission = "readwrite"
	PermissionAdmin     Permission = "admin"
)

func (self Permission) CanWrite() bool {
	return self == PermissionReadWrite || self == PermissionAdmin
}

// the authenticated identity of a session
type Principal struct {
	Identifier  string
	Permissions Permission
	// zero for no expiry
	ExpiresAt time.Time
}

func (self *Principal) IsAdmin() bool {
	return self != nil && self.Permissions == PermissionAdmin
}

func (self *Principal) Expired(now time.Time) bool {
	return self != nil && !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}

type LoginResult struct {
	Token      string
	TimeToLive time.Duration
	Principal  *Principal
}

type AccessRequestResult struct {
	State      RequestState
	StatusCode int
	Message    string
	Permission Permission
	Token      string
}

// the authorization decision engine consumed by sessions
type SecurityStrategy interface {
	// returns the part of the delta the principal may read, or nil
	FilterReadDelta(principal *Principal, delta *Delta) *Delta
	ShouldAllowWrite(principal *Principal, delta *Delta) bool
	// re-verifies a connected principal before each send, e.g. expiry and revocation
	VerifyWS(principal *Principal) error
	// authorizes a connection or a post-connect token. An empty token is an anonymous connection.
	AuthorizeWS(token string) (*Principal, error)
	// false when the strategy has no notion of connection authorization
	CanAuthorizeWS() bool
	SupportsLogin() bool
	Login(username string, password string) (*LoginResult, error)
	RequestAccess(requestId string, command *AccessRequestCommand) (*AccessRequestResult, error)
	QueryAccessRequest(requestId string) (*AccessRequestResult, bool)
}

// security disabled. Everyone is an anonymous admin.
type AllowAllSecurity struct {
}

func NewAllowAllSecurity() *AllowAllSecurity {
	return &AllowAllSecurity{}
}

func (self *AllowAllSecurity) FilterReadDelta(principal *Principal, delta *Delta) *Delta {
	return delta
}

func (self *AllowAllSecurity) ShouldAllowWrite(principal *Principal, delta *Delta) bool {
	return true
}

func (self *AllowAllSecurity) VerifyWS(principal *Principal) error {
	return nil
}

func (self *AllowAllSecurity) AuthorizeWS(token string) (*Principal, error) {
	return &Principal{
		Identifier:  "AUTO",
		Permissions: PermissionAdmin,
	}, nil
}

func (self *AllowAllSecurity) CanAuthorizeWS() bool {
	return false
}

func (self *AllowAllSecurity) SupportsLogin() bool {
	return false
}

func (self *AllowAllSecurity) Login(username string, password string) (*LoginResult, error) {
	return nil, ErrLoginNotSupported
}

func (self *AllowAllSecurity) RequestAccess(requestId string, command *AccessRequestCommand) (*AccessRequestResult, error) {
	return nil, ErrAccessNotSupported
}

func (self *AllowAllSecurity) QueryAccessRequest(requestId string) (*AccessRequestResult, bool) {
	return nil, false
}
