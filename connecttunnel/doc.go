// Package connecttunnel opens TCP tunnels through HTTP/1.1 CONNECT proxies.
//
// The handshake works over any stream already connected to a proxy. It writes
// a single request line and parses the proxy's status line and headers as
// they arrive. No headers are sent, so it does not do proxy authentication:
//
//	CONNECT example.com:443 HTTP/1.1\r\n\r\n
//
// # Handshake
//
// Connect runs the handshake over any io.ReadWriter and returns the same
// stream:
//
//	proxyConn, err := net.Dial("tcp", "proxy.example.com:3128")
//	if err != nil {
//	    return err
//	}
//	conn, err := connecttunnel.Connect(proxyConn, "example.com", 443)
//	if err != nil {
//	    proxyConn.Close()
//	    return err
//	}
//
// On failure Connect returns the zero value of the stream type, so close the
// handle that was passed in.
//
// Bytes the proxy sends after its header block are dropped by Connect.
// ConnectConn keeps them and replays them on the returned net.Conn.
//
// Errors are ErrEarlyEOF, ErrMalformedResponse (wrapping a *ParseError),
// a *ProxyError for any status other than 200, or the stream's own I/O error.
//
// # Connector
//
// A Connector dials a fixed proxy and runs the handshake for each call:
//
//	c, err := connecttunnel.NewConnector(&connecttunnel.ClientConfig{
//	    ProxyAddr: "proxy.example.com:3128",
//	})
//	conn, err := c.DialContext(ctx, "tcp", "example.com:443")
//
// It plugs into net/http as a dial function:
//
//	client := &http.Client{
//	    Transport: &http.Transport{DialContext: c.DialContext},
//	}
//
// Importing the package registers the "http" scheme with
// golang.org/x/net/proxy, so proxy.FromURL returns a Connector for
// http:// proxy URLs.
//
// # Composability
//
// Connectors can be chained to stack multiple proxies:
//
//	c1, _ := connecttunnel.NewConnector(&connecttunnel.ClientConfig{
//	    ProxyAddr: "proxy1:3128",
//	})
//	c2, _ := connecttunnel.NewConnector(&connecttunnel.ClientConfig{
//	    ProxyAddr:   "proxy2:3128",
//	    DialContext: c1.DialContext,
//	})
package connecttunnel
