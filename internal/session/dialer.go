package session

import (
	"context"
	"net"
	"time"
)

const DefaultDialTimeout = 6 * time.Second

// Dialer opens the local side of a bridge.
type Dialer interface {
	DialContext(ctx context.Context) (net.Conn, error)
}

// TCPDialer connects to a fixed local address, usually the loopback application server.
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

func (d TCPDialer) DialContext(ctx context.Context) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var nd net.Dialer
	c, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context) (net.Conn, error) { return f(ctx) }
