// ABOUTME: Classified errors for calendar sync: auth, webhook, provider, item and account failures
// ABOUTME: Wraps underlying causes so callers can branch with errors.Is and errors.As
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure.
type Kind string

const (
	KindAuth                Kind = "auth"
	KindWebhookRegistration Kind = "webhook_registration"
	KindProviderTransient   Kind = "provider_transient"
	KindStaleCursor         Kind = "stale_cursor"
	KindItemSync            Kind = "item_sync"
	KindAccountSync         Kind = "account_sync"
)

// ErrNotFound is returned by adapters when the provider reports a missing resource.
var ErrNotFound = errors.New("resource not found at provider")

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, so errors.Is(err, &Error{Kind: KindAuth}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Auth(op string, err error) error { return newError(KindAuth, op, err) }
func WebhookRegistration(op string, err error) error { return newError(KindWebhookRegistration, op, err) }
func Transient(op string, err error) error { return newError(KindProviderTransient, op, err) }
func StaleCursor(op string, err error) error { return newError(KindStaleCursor, op, err) }
func Item(op string, err error) error { return newError(KindItemSync, op, err) }
func Account(op string, err error) error { return newError(KindAccountSync, op, err) }

// KindOf returns the Kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsAuth(err error) bool { return KindOf(err) == KindAuth }
func IsTransient(err error) bool { return KindOf(err) == KindProviderTransient }
func IsStaleCursor(err error) bool { return KindOf(err) == KindStaleCursor }
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
