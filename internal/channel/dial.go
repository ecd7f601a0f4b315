package channel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"
)

// DefaultConnectTimeout is the per-attempt connect timeout applied
// when the caller's context carries no deadline.
const DefaultConnectTimeout = 10 * time.Second

// Dialer wraps net.Dialer with retryable-errno backoff
// (EHOSTUNREACH/ENETUNREACH/ECONNREFUSED/ECONNRESET) for raw TCP/UDP
// dials.
type Dialer struct {
	base       net.Dialer
	RetryCount int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// NewDialer builds a Dialer with sensible connect and keep-alive
// timeouts, retrying twice with a 250ms delay by default.
func NewDialer(logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		base:       net.Dialer{Timeout: DefaultConnectTimeout, KeepAlive: 30 * time.Second},
		RetryCount: 2,
		RetryDelay: 250 * time.Millisecond,
		Logger:     logger,
	}
}

// DialContext dials network/address, retrying transient connection
// errors up to RetryCount times.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= d.RetryCount; attempt++ {
		conn, err := d.base.DialContext(ctx, network, address)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !isRetryableError(err) || attempt == d.RetryCount {
			break
		}
		d.Logger.Warn("transient dial error, retrying",
			"network", network, "address", address, "attempt", attempt+1, "error", err)
		timer := time.NewTimer(d.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// isRetryableError reports whether err is a transient connection-level
// failure worth retrying, adapted from httpkit.isRetryableError.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED, syscall.ECONNRESET:
			return true
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isRetryableError(opErr.Err)
	}
	return false
}
