package pricing

import (
	"errors"
	"fmt"

	"encore.dev/beta/errs"
)

// Kind tags the family of failure a pricing operation raised, replacing an
// exception hierarchy with a value the endpoint layer can switch on.
type Kind int

const (
	// KindUnexpected covers any failure not otherwise classified.
	KindUnexpected Kind = iota
	// KindValidation marks a malformed or missing request parameter.
	KindValidation
	// KindAPI marks a non-2xx response from the upstream oracle.
	KindAPI
	// KindBreakerOpen marks a request rejected locally by the breaker.
	KindBreakerOpen
	// KindLock marks a lock acquisition failure or mid-body lease loss.
	KindLock
	// KindTimeout marks a follower wait or upstream watchdog timeout.
	KindTimeout
	// KindServiceUnavailable marks exhausted recovery: no fresh, no stale.
	KindServiceUnavailable
	// KindRateLimited marks a request rejected by the facade's own
	// admission control, before it ever reached the coordination layer.
	KindRateLimited
)

// Error is the tagged error type carried through the cache and facade
// layers. Cause, when set, is the underlying error that triggered Kind.
type Error struct {
	Kind Kind
	// Code is the upstream HTTP status for KindAPI, otherwise zero.
	Code int
	// Body is the raw upstream response body for KindAPI.
	Body  string
	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindValidation:
		return fmt.Sprintf("validation error: %v", e.Cause)
	case KindAPI:
		return fmt.Sprintf("upstream api error: status=%d body=%s", e.Code, e.Body)
	case KindBreakerOpen:
		return "circuit breaker open"
	case KindLock:
		return fmt.Sprintf("lock error: %v", e.Cause)
	case KindTimeout:
		return fmt.Sprintf("timeout: %v", e.Cause)
	case KindServiceUnavailable:
		return "service unavailable: no fresh or stale data"
	case KindRateLimited:
		return "rate limited: too many requests"
	default:
		return fmt.Sprintf("unexpected error: %v", e.Cause)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps Kind to the status code the endpoint should surface,
// per the propagation policy in spec.md §7.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return 400
	case KindAPI:
		if e.Code >= 400 && e.Code < 600 {
			return e.Code
		}
		return 502
	case KindServiceUnavailable, KindBreakerOpen:
		return 503
	case KindRateLimited:
		return 429
	default:
		return 500
	}
}

func newValidationError(cause error) *Error {
	return &Error{Kind: KindValidation, Cause: cause}
}

func newAPIError(code int, body string) *Error {
	return &Error{Kind: KindAPI, Code: code, Body: body}
}

func newBreakerOpenError() *Error {
	return &Error{Kind: KindBreakerOpen}
}

func newLockError(cause error) *Error {
	return &Error{Kind: KindLock, Cause: cause}
}

func newTimeoutError(cause error) *Error {
	return &Error{Kind: KindTimeout, Cause: cause}
}

func newServiceUnavailableError() *Error {
	return &Error{Kind: KindServiceUnavailable}
}

func newRateLimitedError() *Error {
	return &Error{Kind: KindRateLimited}
}

func newUnexpectedError(cause error) *Error {
	return &Error{Kind: KindUnexpected, Cause: cause}
}

// ToEncoreErr converts err crossing an //encore:api boundary into an
// encore.dev/beta/errs.Error, so Encore's generated HTTP layer answers with
// the status spec.md §7's propagation table calls for instead of a blanket
// 500 for every returned error. Code is derived from HTTPStatus() rather
// than duplicating the Kind switch a second time, so the two mappings can
// never drift apart. A non-*Error cause (should not occur on this code
// path) is treated as unexpected.
func ToEncoreErr(err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if !errors.As(err, &pe) {
		pe = newUnexpectedError(err)
	}
	return &errs.Error{
		Code:    httpStatusToErrCode(pe.HTTPStatus()),
		Message: pe.Error(),
	}
}

// httpStatusToErrCode maps an HTTP status to the nearest Encore error code.
// Encore's ErrCode enum has no code of its own for 502: KindAPI's upstream
// 5xx passthrough collapses onto errs.Internal alongside the generic
// unexpected-failure case, since Encore derives the actual wire status from
// Code rather than from an arbitrary integer.
func httpStatusToErrCode(status int) errs.ErrCode {
	switch status {
	case 400:
		return errs.InvalidArgument
	case 429:
		return errs.ResourceExhausted
	case 503:
		return errs.Unavailable
	default:
		return errs.Internal
	}
}
