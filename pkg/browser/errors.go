package browser

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnavailable  = errors.New("browser runtime unavailable")
	ErrClosed       = errors.New("browser closed")
	ErrPageClosed   = errors.New("page closed")
	ErrTimeout      = errors.New("operation timeout")
	ErrEmptyCapture = errors.New("screenshot returned no data")
)

// OpError records which page operation failed.
type OpError struct {
	Op  string
	URL string
	Err error
}

func (e *OpError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("browser %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("browser %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// WrapOp wraps err with the failing operation. A nil err yields nil.
func WrapOp(op, url string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return &OpError{Op: op, URL: url, Err: err}
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryableError returns true if the error might succeed on retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrPageClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
