package connecttunnel

import (
	"context"
	"net"
)

// Dialer is implemented by anything that opens TCP connections with a
// context, including *Connector and *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialFunc opens the connection to the proxy. net.Dialer.DialContext and
// Connector.DialContext both have this shape.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Logger receives diagnostics for failed tunnels. *log.Logger and
// *logrus.Entry both satisfy it.
type Logger interface {
	Printf(format string, args ...any)
}

// ClientConfig configures a Connector.
type ClientConfig struct {
	// ProxyAddr is the host:port of the HTTP proxy. Required. It is resolved
	// once, when the Connector is created.
	ProxyAddr string

	// DialContext reaches the proxy. Nil means a zero net.Dialer. Set it to
	// another Connector's DialContext to tunnel through a chain of proxies.
	DialContext DialFunc

	// ErrorLog, if set, is told about failed dials and handshakes.
	ErrorLog Logger
}

func (c *ClientConfig) dialFunc() DialFunc {
	if c.DialContext != nil {
		return c.DialContext
	}
	var d net.Dialer
	return d.DialContext
}

func (c *ClientConfig) logger() Logger {
	if c.ErrorLog == nil {
		return nopLogger{}
	}
	return c.ErrorLog
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
