package errutil

import (
	"context"
	"errors"
)

// Normalize converts any error into a BaseError so transports can render it.
// Errors that are not BaseError lose their message to avoid leaking details.
func Normalize(err error) BaseError {
	if err == nil {
		return BaseError{}
	}

	var base BaseError
	if errors.As(err, &base) {
		return base
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return BaseError{Code: StatusTimeout, Message: "request timed out", Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return BaseError{Code: StatusClientClosedRequest, Message: "request cancelled", Err: err}
	}

	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return BaseError{Code: coder.Status(), Message: coder.Status().String(), Err: err}
	}

	return BaseError{Code: StatusInternal, Message: "internal server error", Err: err}
}
