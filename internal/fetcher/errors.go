package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/hyperliquid"
)

var (
	// ErrFetchFailed is a network or status failure on every endpoint tried.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrFetchMalformed means an endpoint answered with a body that does not match the schema.
	ErrFetchMalformed = errors.New("fetch malformed")
	// ErrFetchTimeout means every endpoint tried timed out.
	ErrFetchTimeout = errors.New("fetch timeout")
)

// FetchError reports a fetch that failed on both endpoints. errors.Is matches Kind.
type FetchError struct {
	Kind      error
	Address   domain.Address
	Primary   error
	Secondary error // nil when the secondary was not tried
}

func (e *FetchError) Error() string {
	if e.Secondary == nil {
		return fmt.Sprintf("%v for %s: primary: %v", e.Kind, e.Address, e.Primary)
	}
	return fmt.Sprintf("%v for %s: primary: %v; secondary: %v", e.Kind, e.Address, e.Primary, e.Secondary)
}

// Unwrap returns the last endpoint error.
func (e *FetchError) Unwrap() error {
	if e.Secondary != nil {
		return e.Secondary
	}
	return e.Primary
}

func (e *FetchError) Is(target error) bool { return target == e.Kind }

func classify(errs ...error) error {
	timeouts := 0
	for _, err := range errs {
		if errors.Is(err, hyperliquid.ErrMalformed) || errors.Is(err, errMalformedPosition) {
			return ErrFetchMalformed
		}
		if isTimeout(err) {
			timeouts++
		}
	}
	if timeouts == len(errs) {
		return ErrFetchTimeout
	}
	return ErrFetchFailed
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
