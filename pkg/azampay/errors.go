package azampay

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means a token could not be obtained from the authenticator.
	ErrAuth = errors.New("azampay authentication failed")
	// ErrGateway means the gateway could not be reached.
	ErrGateway = errors.New("azampay gateway unavailable")
	// ErrCheckoutRejected means the gateway answered a checkout with a non-2xx
	// status or a body we could not use.
	ErrCheckoutRejected = errors.New("azampay checkout rejected")
	// ErrProviderFetch means no provider list could be served, fresh or stale.
	ErrProviderFetch = errors.New("azampay provider listing failed")
	// ErrUnknownCategory is returned for a provider category we cannot filter on.
	ErrUnknownCategory = errors.New("unknown provider category")
)

// Error carries the detail of a failed gateway call. Kind is one of the
// sentinel errors above, so callers can keep using errors.Is.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("%v: %s: status %d: %v", e.Kind, e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%v: %s: status %d", e.Kind, e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%v: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
