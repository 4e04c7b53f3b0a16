// Package dial resolves a (host, port) pair and connects to the first
// reachable address, the way both endpoints look up the peer they need to
// reach next (the local endpoint's remote proxy, the remote endpoint's
// ultimate destination).
package dial

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoAddresses is returned when the resolver succeeds but returns an
// empty address list.
var ErrNoAddresses = errors.New("dial: resolver returned no addresses")

// Dial resolves host via the platform resolver and attempts a TCP connect
// to each resolved address in order, returning the first success. If every
// attempt fails, it returns the last attempt's error. If resolution
// succeeds but yields no addresses, it returns ErrNoAddresses.
func Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("dial: resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, ErrNoAddresses
	}

	var dialer net.Dialer
	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dial: connect to %s: %w", host, lastErr)
}
