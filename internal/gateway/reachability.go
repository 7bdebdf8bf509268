package gateway

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// DialReachability reports the network as online when a TCP connection to
// the backend host can be opened.
type DialReachability struct {
	addr    string
	timeout time.Duration
}

// NewDialReachability derives the host and port from the backend URL.
func NewDialReachability(backendURL string, timeout time.Duration) (*DialReachability, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend url %q has no host", backendURL)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return &DialReachability{addr: net.JoinHostPort(u.Hostname(), port), timeout: timeout}, nil
}

func (r *DialReachability) Online(ctx context.Context) bool {
	d := net.Dialer{Timeout: r.timeout}
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
