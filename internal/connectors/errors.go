package connectors

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
)

// Failure kinds. Every connector error is classified into exactly one.
var (
	// ErrTimeout indicates the source did not answer within its budget.
	ErrTimeout = errors.New("connector: timed out")

	// ErrAuth indicates the stored credentials were rejected.
	ErrAuth = errors.New("connector: authentication failed")

	// ErrNotFound indicates the requested project, repository or folder does not exist.
	ErrNotFound = errors.New("connector: not found")

	// ErrUnavailable indicates the source could not be reached or failed internally.
	ErrUnavailable = errors.New("connector: source unavailable")
)

// Error carries the failure kind together with the underlying cause.
type Error struct {
	Source     models.SourceID
	Kind       error
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Source, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the failure kind so callers can test errors.Is(err, ErrAuth).
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// NewError builds a classified connector error.
func NewError(source models.SourceID, kind error, err error) *Error {
	return &Error{Source: source, Kind: kind, Err: err}
}

// FromStatus classifies a non-2xx HTTP response from a source.
func FromStatus(source models.SourceID, code int, err error) *Error {
	var kind error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = ErrAuth
	case code == http.StatusNotFound:
		kind = ErrNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = ErrTimeout
	default:
		kind = ErrUnavailable
	}
	if err == nil {
		err = fmt.Errorf("unexpected status %d", code)
	}
	return &Error{Source: source, Kind: kind, StatusCode: code, Err: err}
}

// Classify returns the failure kind of err. Context deadlines and network
// timeouts map to ErrTimeout; unrecognised errors map to ErrUnavailable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrTimeout, ErrAuth, ErrNotFound, ErrUnavailable} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrUnavailable
}

// KindName returns a short label for a failure kind, used in logs and metrics.
func KindName(err error) string {
	switch Classify(err) {
	case nil:
		return "ok"
	case ErrTimeout:
		return "timeout"
	case ErrAuth:
		return "auth_error"
	case ErrNotFound:
		return "not_found"
	default:
		return "unavailable"
	}
}
