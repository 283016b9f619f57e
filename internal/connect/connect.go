// Package connect implements the outbound peer dial: DNS resolution
// followed by sequential per-address connect attempts, with exponential
// backoff between full resolution/dial rounds once every address has been
// tried.
package connect

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// Backoff bounds the retry delay applied after a fully-exhausted dial
// round (every resolved address tried and failed).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff matches the ceiling used by the reference dvpn client
// (original_source/connect.h): start small, double up to roughly two
// minutes.
var DefaultBackoff = Backoff{Initial: time.Second, Max: 120 * time.Second}

func (b Backoff) next(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// DialTimeout is the per-address connect attempt timeout.
const DialTimeout = 10 * time.Second

// Dialer resolves and connects to one configured peer, retrying forever
// until ctx is cancelled.
type Dialer struct {
	Host    string
	Port    int
	Backoff Backoff
	logger  *zap.Logger

	resolver *net.Resolver
}

// NewDialer builds a Dialer for the given host:port, using the system
// resolver.
func NewDialer(host string, port int, logger *zap.Logger) *Dialer {
	return &Dialer{Host: host, Port: port, Backoff: DefaultBackoff, logger: logger, resolver: net.DefaultResolver}
}

// Run attempts to establish a connection, retrying with backoff across
// fully-exhausted rounds, until one succeeds or ctx is cancelled. Each
// resolved address (A and AAAA, in the order the resolver returns them)
// is tried once per round with DialTimeout.
func (d *Dialer) Run(ctx context.Context) (net.Conn, error) {
	attempt := 0
	for {
		conn, err := d.tryRound(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wait := d.Backoff.next(attempt)
		attempt++
		d.logger.Warn("connect: round exhausted, backing off",
			zap.String("host", d.Host), zap.Int("port", d.Port),
			zap.Duration("wait", wait), zap.Error(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (d *Dialer) tryRound(ctx context.Context) (net.Conn, error) {
	addrs, err := d.resolver.LookupIPAddr(ctx, d.Host)
	if err != nil {
		return nil, fmt.Errorf("connect: resolving %s: %w", d.Host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("connect: %s resolved to no addresses", d.Host)
	}

	var lastErr error
	for _, a := range addrs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
		addr := net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", d.Port))
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			d.logger.Info("connect: connected", zap.String("addr", addr))
			return conn, nil
		}
		lastErr = err
		d.logger.Debug("connect: attempt failed", zap.String("addr", addr), zap.Error(err))
	}

	return nil, fmt.Errorf("connect: all %d addresses for %s failed, last error: %w", len(addrs), d.Host, lastErr)
}
