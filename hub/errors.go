package hub

import (
	"errors"
	"fmt"
	"net/http"
)

// errors.go lists the errors of the hub package
//
// error type checking:
//   sentinel errors with errors.Is(err, ErrX)
//   routing errors with errors.As(err, &statusErr) to get the reply status code

// used for sessions and security
var (
	ErrAuthorization      = errors.New("authorization failed")
	ErrLoginNotSupported  = errors.New("login not supported")
	ErrAccessNotSupported = errors.New("access requests not supported")
	ErrInvalidLogin       = errors.New("invalid username or password")
	ErrLoginRateLimited   = errors.New("too many login attempts")
	ErrSessionEnded       = errors.New("session ended")
)

// used for transports
var (
	ErrTransportClosed = errors.New("transport closed")
)

// used for frames
var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrUnknownFrame = errors.New("unrecognized frame")
)

// used for put routing
var (
	ErrPutTimeout         = errors.New("timeout waiting for reply")
	ErrMethodNotAllowed   = errors.New("put not supported for path")
	ErrForbidden          = errors.New("permission denied")
	ErrDuplicateRequestId = errors.New("duplicate request id")
)

// an error that maps to a completed reply status
type StatusError interface {
	error
	StatusCode() int
}

type NotFoundError struct {
	Path   string
	Source string
}

func (self *NotFoundError) Error() string {
	return fmt.Sprintf("no source %s found for path %s", self.Source, self.Path)
}

func (self *NotFoundError) StatusCode() int {
	return http.StatusNotFound
}

type AmbiguousSourceError struct {
	Path    string
	Sources []string
}

func (self *AmbiguousSourceError) Error() string {
	return fmt.Sprintf("there are multiple sources for path %s, a source must be specified (%v)", self.Path, self.Sources)
}

func (self *AmbiguousSourceError) StatusCode() int {
	return http.StatusBadRequest
}

// the reply status code for an error; 500 for errors that carry no status
func ErrorStatusCode(err error) int {
	var statusErr StatusError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &statusErr):
		return statusErr.StatusCode()
	case errors.Is(err, ErrPutTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrDuplicateRequestId):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidLogin):
		return http.StatusUnauthorized
	case errors.Is(err, ErrLoginRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrLoginNotSupported), errors.Is(err, ErrAccessNotSupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
