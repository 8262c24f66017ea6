package connecttunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

func init() {
	proxy.RegisterDialerType("http", FromURL)
}

// Connector opens CONNECT tunnels through a fixed HTTP proxy. Every call dials
// a fresh proxy connection; pooling is left to the caller, typically an
// http.Transport. A Connector is safe for concurrent use.
type Connector struct {
	proxyAddr string
	dial      DialFunc
	logger    Logger
}

var (
	_ Dialer              = (*Connector)(nil)
	_ proxy.Dialer        = (*Connector)(nil)
	_ proxy.ContextDialer = (*Connector)(nil)
)

// NewConnector creates a Connector for cfg.ProxyAddr. It fails if the address
// does not resolve to a TCP endpoint with both a host and a non-zero port.
func NewConnector(cfg *ClientConfig) (*Connector, error) {
	if cfg == nil {
		return nil, errors.New("connecttunnel: nil ClientConfig")
	}

	// ResolveTCPAddr maps an empty host to the wildcard address, which is
	// not somewhere a proxy can be dialed.
	host, _, err := net.SplitHostPort(cfg.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connecttunnel: invalid proxy address %q: %w", cfg.ProxyAddr, err)
	}
	if host == "" {
		return nil, fmt.Errorf("connecttunnel: proxy address %q has no host", cfg.ProxyAddr)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connecttunnel: resolve proxy address %q: %w", cfg.ProxyAddr, err)
	}
	if addr.IP == nil || addr.Port == 0 {
		return nil, fmt.Errorf("connecttunnel: proxy address %q is not a dialable endpoint", cfg.ProxyAddr)
	}

	return &Connector{
		proxyAddr: addr.String(),
		dial:      cfg.dialFunc(),
		logger:    cfg.logger(),
	}, nil
}

// FromURL returns a Connector for an "http" proxy URL, reaching the proxy
// through forward. It is registered with proxy.RegisterDialerType, so
// proxy.FromURL accepts http:// URLs once this package is imported.
func FromURL(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	if u.Scheme != "http" {
		return nil, fmt.Errorf("connecttunnel: unsupported proxy scheme %q", u.Scheme)
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}

	cfg := &ClientConfig{ProxyAddr: net.JoinHostPort(u.Hostname(), port)}
	switch d := forward.(type) {
	case nil:
	case proxy.ContextDialer:
		cfg.DialContext = d.DialContext
	default:
		cfg.DialContext = func(_ context.Context, network, address string) (net.Conn, error) {
			return d.Dial(network, address)
		}
	}

	c, err := NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ProxyAddr returns the resolved proxy address the Connector dials.
func (c *Connector) ProxyAddr() string {
	return c.proxyAddr
}

// Connect opens a tunnel to the host and port of u. Both must be present
// explicitly; no default port is derived from the scheme.
func (c *Connector) Connect(ctx context.Context, u *url.URL) (net.Conn, error) {
	t, err := targetFromURL(u)
	if err != nil {
		return nil, err
	}
	return c.connect(ctx, t)
}

// DialContext opens a tunnel to address, a host:port pair. It can be used as
// http.Transport.DialContext.
func (c *Connector) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("%w: unsupported network %s", ErrInvalidTarget, network)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if host == "" {
		return nil, fmt.Errorf("%w: host is missing", ErrInvalidTarget)
	}
	t, err := newTarget(host, port)
	if err != nil {
		return nil, err
	}
	return c.connect(ctx, t)
}

// Dial is DialContext with a background context.
func (c *Connector) Dial(network, address string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, address)
}

// aLongTimeAgo is a deadline in the past, used to abort in-flight I/O.
var aLongTimeAgo = time.Unix(1, 0)

func (c *Connector) connect(ctx context.Context, t Target) (net.Conn, error) {
	conn, err := c.dial(ctx, "tcp", c.proxyAddr)
	if err != nil {
		c.logger.Printf("connecttunnel: dial proxy %s: %v", c.proxyAddr, err)
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})

	tunnel, err := ConnectConn(conn, t.Host, t.Port)
	if !stop() {
		_ = conn.Close()
		c.logger.Printf("connecttunnel: CONNECT %s via %s: %v", t, c.proxyAddr, ctx.Err())
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		c.logger.Printf("connecttunnel: CONNECT %s via %s: %v", t, c.proxyAddr, err)
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return tunnel, nil
}

func targetFromURL(u *url.URL) (Target, error) {
	if u == nil {
		return Target{}, fmt.Errorf("%w: no URL", ErrInvalidTarget)
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("%w: host is missing", ErrInvalidTarget)
	}
	port := u.Port()
	if port == "" {
		return Target{}, fmt.Errorf("%w: port is missing", ErrInvalidTarget)
	}
	return newTarget(host, port)
}

// newTarget builds a Target from an unbracketed host and a decimal port.
func newTarget(host, port string) (Target, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Target{}, fmt.Errorf("%w: invalid port %q", ErrInvalidTarget, port)
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return Target{Host: host, Port: uint16(p)}, nil
}
