package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
)

// ConnectError means the inference service could not be reached at all.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError means an attempt exceeded its deadline, before or during transfer.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timed out after %s: %v", e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// StatusError carries a non-success HTTP response from the inference service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// Transient reports whether err is a connect or timeout failure.
func Transient(err error) bool {
	var ce *ConnectError
	var te *TimeoutError
	return errors.As(err, &ce) || errors.As(err, &te)
}

func isConnectFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classify maps a transport failure onto the upstream error taxonomy. Caller
// cancellation is passed through untouched.
func (c *Client) classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ConnectError{URL: c.chatURL(), Err: err}
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if isTimeout(err) {
		return &TimeoutError{Timeout: c.timeout, Err: err}
	}
	if isConnectFailure(err) {
		return &ConnectError{URL: c.chatURL(), Err: err}
	}
	return fmt.Errorf("upstream request failed: %w", err)
}
