package chatgpt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrTokenNotProvided is returned when no session token is available and the
// client is not running in free mode.
var ErrTokenNotProvided = errors.New("no session token provided (copy __Secure-next-auth.session-token from your browser)")

// ErrInvalidSessionToken is returned when the backend rejects the session
// token during the access-token exchange.
var ErrInvalidSessionToken = errors.New("session token rejected by the backend")

// UnexpectedResponseError wraps a malformed or unparseable server payload
// together with whatever raw text the server returned, so callers can see
// what the backend actually said.
type UnexpectedResponseError struct {
	Cause      error
	ServerText string
}

func (e *UnexpectedResponseError) Error() string {
	if e.ServerText == "" {
		return fmt.Sprintf("unexpected response: %v", e.Cause)
	}
	text := e.ServerText
	if len(text) > 512 {
		text = text[:512] + "..."
	}
	return fmt.Sprintf("unexpected response: %v (server said: %s)", e.Cause, text)
}

func (e *UnexpectedResponseError) Unwrap() error { return e.Cause }

func unexpectedResponse(cause error, serverText string) *UnexpectedResponseError {
	return &UnexpectedResponseError{Cause: cause, ServerText: serverText}
}

func unexpectedResponsef(serverText, format string, args ...any) *UnexpectedResponseError {
	return &UnexpectedResponseError{Cause: fmt.Errorf(format, args...), ServerText: serverText}
}

// BackendError signals an explicit backend-side failure, such as the captcha
// backup endpoint answering with its null sentinel.
type BackendError struct {
	Code int
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend signalled failure (code %d)", e.Code)
}

// RetryError is returned when a bounded retry budget against an endpoint is
// exhausted without a single success.
type RetryError struct {
	Endpoint string
	Attempts int
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("gave up on %s after %d attempts", e.Endpoint, e.Attempts)
}

// InvalidModelNameError is returned when a requested model is not in the
// client's model table. It is never retried.
type InvalidModelNameError struct {
	Name  string
	Known []string
}

func (e *InvalidModelNameError) Error() string {
	known := append([]string(nil), e.Known...)
	sort.Strings(known)
	return fmt.Sprintf("unknown model %q (available: %s)", e.Name, strings.Join(known, ", "))
}
