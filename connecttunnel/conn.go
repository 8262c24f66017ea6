package connecttunnel

import (
	"net"
)

// replayConn wraps a net.Conn to return bytes the proxy pipelined after its
// response header block before reading from the connection again.
type replayConn struct {
	net.Conn
	pending []byte
}

func newReplayConn(conn net.Conn, pending []byte) net.Conn {
	return &replayConn{
		Conn:    conn,
		pending: pending,
	}
}

// Read drains pending bytes first, then reads from the underlying connection.
func (c *replayConn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// CloseWrite shuts down the write side if the underlying connection supports
// half-close.
func (c *replayConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// NetConn returns the underlying connection.
func (c *replayConn) NetConn() net.Conn {
	return c.Conn
}
