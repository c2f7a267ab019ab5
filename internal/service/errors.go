package service

import (
	"fmt"
	"net/http"
)

// Kind classifies a proxy failure.
type Kind int

const (
	// KindUnauthenticated: the backend answered 401 and the caller sent no
	// credential, so there was nothing to refresh.
	KindUnauthenticated Kind = iota + 1
	// KindBackendRejected: the backend answered with a failure status.
	KindBackendRejected
	// KindRefreshRejected: the refresh endpoint itself failed.
	KindRefreshRejected
	// KindTranslation: a success response could not be represented in the
	// requested payload mode.
	KindTranslation
	// KindExhausted: both attempts were used without a definitive answer.
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindBackendRejected:
		return "backend_rejected"
	case KindRefreshRejected:
		return "refresh_rejected"
	case KindTranslation:
		return "translation"
	case KindExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Error is a failure that is surfaced to the caller as {"error": Message}
// with Status.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrUnauthenticated)
// works regardless of status or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	// ErrUnauthenticated is returned without any refresh when the caller has
	// no credential.
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Status: http.StatusUnauthorized, Message: "unauthenticated"}
	// ErrExhausted is returned when the retried request is rejected again.
	ErrExhausted = &Error{Kind: KindExhausted, Status: http.StatusInternalServerError, Message: "unexpected proxy failure"}
)
