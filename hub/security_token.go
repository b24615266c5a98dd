package hub

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

type UserSettings struct {
	Username    string     `yaml:"username" json:"username"`
	Password    string     `yaml:"password" json:"password"`
	Permissions Permission `yaml:"permissions" json:"permissions"`
}

type TokenSecuritySettings struct {
	Secret   string
	TokenTTL time.Duration
	// anonymous connections may read
	AllowReadonly bool
	Users         []UserSettings
	// device access requests are approved without an admin
	AutoApproveDevices bool
	DevicePermissions  Permission
	// sustained login attempts per username
	LoginRate  rate.Limit
	LoginBurst int
}

func DefaultTokenSecuritySettings() *TokenSecuritySettings {
	return &TokenSecuritySettings{
		TokenTTL:          24 * time.Hour,
		AllowReadonly:     true,
		DevicePermissions: PermissionReadWrite,
		LoginRate:         rate.Every(6 * time.Second),
		LoginBurst:        5,
	}
}

// jwt bearer token security
type TokenSecurity struct {
	settings *TokenSecuritySettings
	log      LogFunction

	stateLock      sync.Mutex
	loginLimiters  map[string]*rate.Limiter
	revoked        map[string]bool
	accessRequests map[string]*accessRequest
}

type accessRequest struct {
	command *AccessRequestCommand
	result  *AccessRequestResult
}

func NewTokenSecurity(settings *TokenSecuritySettings) (*TokenSecurity, error) {
	if settings.Secret == "" {
		return nil, errors.New("token security requires a secret")
	}
	return &TokenSecurity{
		settings:       settings,
		log:            LogFn(LogLevelUrgent, "security"),
		loginLimiters:  map[string]*rate.Limiter{},
		revoked:        map[string]bool{},
		accessRequests: map[string]*accessRequest{},
	}, nil
}

func (self *TokenSecurity) FilterReadDelta(principal *Principal, delta *Delta) *Delta {
	if principal == nil {
		return nil
	}
	return delta
}

func (self *TokenSecurity) ShouldAllowWrite(principal *Principal, delta *Delta) bool {
	return principal != nil && principal.Permissions.CanWrite()
}

func (self *TokenSecurity) VerifyWS(principal *Principal) error {
	if principal == nil {
		return ErrAuthorization
	}
	if principal.Expired(time.Now()) {
		return fmt.Errorf("%w: token expired", ErrAuthorization)
	}
	self.stateLock.Lock()
	revoked := self.revoked[principal.Identifier]
	self.stateLock.Unlock()
	if revoked {
		return fmt.Errorf("%w: access revoked for %s", ErrAuthorization, principal.Identifier)
	}
	return nil
}

func (self *TokenSecurity) AuthorizeWS(token string) (*Principal, error) {
	if token == "" {
		if self.settings.AllowReadonly {
			return &Principal{
				Identifier:  "ANONYMOUS",
				Permissions: PermissionReadOnly,
			}, nil
		}
		return nil, ErrAuthorization
	}
	principal, err := self.parseToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthorization, err)
	}
	if err := self.VerifyWS(principal); err != nil {
		return nil, err
	}
	return principal, nil
}

func (self *TokenSecurity) CanAuthorizeWS() bool {
	return true
}

func (self *TokenSecurity) SupportsLogin() bool {
	return true
}

func (self *TokenSecurity) Login(username string, password string) (*LoginResult, error) {
	if !self.loginLimiter(username).Allow() {
		self.log("login rate limited for %s", username)
		return nil, ErrLoginRateLimited
	}
	for _, user := range self.settings.Users {
		if user.Username != username {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
			break
		}
		principal := &Principal{
			Identifier:  username,
			Permissions: user.Permissions,
			ExpiresAt:   time.Now().Add(self.settings.TokenTTL),
		}
		token, err := self.issueToken(principal)
		if err != nil {
			return nil, err
		}
		self.stateLock.Lock()
		delete(self.revoked, username)
		self.stateLock.Unlock()
		return &LoginResult{
			Token:      token,
			TimeToLive: self.settings.TokenTTL,
			Principal:  principal,
		}, nil
	}
	self.log("invalid login for %s", username)
	return nil, ErrInvalidLogin
}

func (self *TokenSecurity) RequestAccess(requestId string, command *AccessRequestCommand) (*AccessRequestResult, error) {
	if command.ClientId == "" {
		return nil, fmt.Errorf("%w: clientId required", ErrAuthorization)
	}
	permission := command.Permissions
	if permission == "" || permission == PermissionAdmin {
		permission = self.settings.DevicePermissions
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if existing, ok := self.accessRequests[requestId]; ok {
		return existing.result, nil
	}
	request := &accessRequest{
		command: command,
		result: &AccessRequestResult{
			State:      RequestStatePending,
			StatusCode: http.StatusAccepted,
			Permission: permission,
		},
	}
	self.accessRequests[requestId] = request
	if self.settings.AutoApproveDevices {
		if err := self.approve(request); err != nil {
			return nil, err
		}
	}
	return request.result, nil
}

func (self *TokenSecurity) QueryAccessRequest(requestId string) (*AccessRequestResult, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	request, ok := self.accessRequests[requestId]
	if !ok {
		return nil, false
	}
	return request.result, true
}

// approves a pending device access request
func (self *TokenSecurity) ApproveAccessRequest(requestId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	request, ok := self.accessRequests[requestId]
	if !ok {
		return fmt.Errorf("access request %s not found", requestId)
	}
	return self.approve(request)
}

func (self *TokenSecurity) approve(request *accessRequest) error {
	// device tokens do not expire
	principal := &Principal{
		Identifier:  request.command.ClientId,
		Permissions: request.result.Permission,
	}
	token, err := self.issueToken(principal)
	if err != nil {
		return err
	}
	request.result = &AccessRequestResult{
		State:      RequestStateCompleted,
		StatusCode: http.StatusOK,
		Permission: principal.Permissions,
		Token:      token,
	}
	delete(self.revoked, principal.Identifier)
	return nil
}

// sessions of the identifier fail their next verification
func (self *TokenSecurity) Revoke(identifier string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.revoked[identifier] = true
}

func (self *TokenSecurity) issueToken(principal *Principal) (string, error) {
	claims := gojwt.MapClaims{
		"id":          principal.Identifier,
		"permissions": string(principal.Permissions),
		"iat":         time.Now().Unix(),
	}
	if !principal.ExpiresAt.IsZero() {
		claims["exp"] = principal.ExpiresAt.Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(self.settings.Secret))
}

func (self *TokenSecurity) parseToken(tokenStr string) (*Principal, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			return []byte(self.settings.Secret), nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims")
	}
	principal := &Principal{}
	if id, ok := claims["id"].(string); ok {
		principal.Identifier = id
	}
	if permissions, ok := claims["permissions"].(string); ok {
		principal.Permissions = Permission(permissions)
	}
	if principal.Identifier == "" {
		return nil, errors.New("token has no id")
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		principal.ExpiresAt = exp.Time
	}
	return principal, nil
}

func (self *TokenSecurity) loginLimiter(username string) *rate.Limiter {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	limiter, ok := self.loginLimiters[username]
	if !ok {
		limiter = rate.NewLimiter(self.settings.LoginRate, self.settings.LoginBurst)
		self.loginLimiters[username] = limiter
	}
	return limiter
}
