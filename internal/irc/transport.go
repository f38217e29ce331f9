package irc

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/samber/oops"
)

// Transport is a connected byte stream to the server
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to addr (host:port)
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// NetDialer dials plain TCP or TLS
type NetDialer struct {
	TLS                bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

func (d NetDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}

	if !d.TLS {
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, oops.Code("DIAL_FAILED").With("addr", addr).Wrap(err)
		}
		return conn, nil
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, oops.Code("DIAL_FAILED").With("addr", addr).Wrap(err)
	}
	td := &tls.Dialer{
		NetDialer: nd,
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: d.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed networks
			MinVersion:         tls.VersionTLS12,
		},
	}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, oops.Code("DIAL_FAILED").With("addr", addr).With("tls", true).Wrap(err)
	}
	return conn, nil
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, addr string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Transport, error) {
	return f(ctx, addr)
}
