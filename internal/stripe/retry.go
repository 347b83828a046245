package stripe

import (
	"context"
	"errors"
	"net"
	"syscall"

	stripe "github.com/stripe/stripe-go/v82"
)

// ErrNotFound is returned when Stripe reports the referenced object does not exist.
var ErrNotFound = errors.New("stripe object not found")

// IsRetryable reports whether a failed Stripe call is worth repeating.
// Server errors, throttling and transient network failures are; card and
// request errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return isRetryableStripeError(err) || isRetryableNetworkError(err) || isRetryableSystemError(err)
}

func isRetryableStripeError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	if stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode < 600 {
		return true
	}
	switch stripeErr.Code {
	case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
		return true
	}
	return stripeErr.HTTPStatusCode == 429
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isRetryableSystemError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == 404 || stripeErr.Code == stripe.ErrorCodeResourceMissing
}
