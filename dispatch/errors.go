package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ExcerptLimit bounds the body excerpt carried by UpstreamStatusError.
const ExcerptLimit = 1000

// UpstreamStatusError reports a non-2xx upstream response.
type UpstreamStatusError struct {
	Status  int
	Reason  string
	Excerpt string
}

func (e *UpstreamStatusError) Error() string {
	msg := fmt.Sprintf("upstream responded %d %s", e.Status, e.Reason)
	if e.Excerpt != "" {
		msg += ": " + e.Excerpt
	}
	return msg
}

// NetworkError reports a request that never reached the upstream. Code is a
// short errno-style name when one can be determined.
type NetworkError struct {
	Code string
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Code == "" {
		return "upstream unreachable: " + e.Err.Error()
	}
	return fmt.Sprintf("upstream unreachable (%s): %v", e.Code, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SetupError reports a request that could not be constructed.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return "request setup failed: " + e.Err.Error() }

func (e *SetupError) Unwrap() error { return e.Err }

func networkCode(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		return "ENOTFOUND"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "ETIMEDOUT"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	case errors.Is(err, syscall.EHOSTUNREACH):
		return "EHOSTUNREACH"
	case errors.Is(err, syscall.ENETUNREACH):
		return "ENETUNREACH"
	}
	return ""
}
