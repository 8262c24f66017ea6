package connecttunnel

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
)

const (
	initialBufferSize = 256

	// maxResponseHeaderBytes bounds buffer growth, matching
	// http.DefaultMaxHeaderBytes.
	maxResponseHeaderBytes = 1 << 20

	maxConsecutiveEmptyReads = 100
)

// Target identifies the destination the proxy should tunnel to.
type Target struct {
	Host string
	Port uint16
}

// String returns the target as it appears in the CONNECT request line. The
// host is used verbatim; IPv6 literals must already be bracketed.
func (t Target) String() string {
	return t.Host + ":" + strconv.FormatUint(uint64(t.Port), 10)
}

func (t Target) request() []byte {
	b := make([]byte, 0, len("CONNECT  HTTP/1.1\r\n\r\n")+len(t.Host)+6)
	b = append(b, "CONNECT "...)
	b = append(b, t.Host...)
	b = append(b, ':')
	b = strconv.AppendUint(b, uint64(t.Port), 10)
	b = append(b, " HTTP/1.1\r\n\r\n"...)
	return b
}

// Connect negotiates a tunnel to host:port over stream, which must already be
// connected to an HTTP proxy. On success stream is returned, positioned just
// past the proxy's response header block. Any bytes the proxy sent after the
// header block are discarded; use ConnectConn to keep them.
//
// On failure the zero value of S is returned, which for interface types such
// as net.Conn is nil. Callers keep their own reference to stream and close it.
//
// Connect does not time out. Callers bound it by setting deadlines on the
// stream or closing it.
func Connect[S io.ReadWriter](stream S, host string, port uint16) (S, error) {
	if _, err := handshake(stream, Target{Host: host, Port: port}); err != nil {
		var zero S
		return zero, err
	}
	return stream, nil
}

// ConnectConn is Connect for a net.Conn. Bytes the proxy sent after its
// response header block are returned by the first reads on the returned conn.
// If there were none, conn itself is returned.
func ConnectConn(conn net.Conn, host string, port uint16) (net.Conn, error) {
	rest, err := handshake(conn, Target{Host: host, Port: port})
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 {
		return conn, nil
	}
	return newReplayConn(conn, rest), nil
}

// handshake writes the CONNECT request for t and reads the response. It returns
// a copy of any bytes read past the header block.
func handshake(rw io.ReadWriter, t Target) ([]byte, error) {
	if err := writeFull(rw, t.request()); err != nil {
		return nil, err
	}

	buf := make([]byte, initialBufferSize)
	used := 0
	empty := 0
	for {
		n, rerr := rw.Read(buf[used:])
		if n == 0 {
			switch {
			case rerr == io.EOF:
				return nil, ErrEarlyEOF
			case rerr != nil:
				return nil, rerr
			}
			if empty++; empty >= maxConsecutiveEmptyReads {
				return nil, io.ErrNoProgress
			}
			continue
		}
		empty = 0
		used += n

		resp, headerLen, err := parseResponse(buf[:used])
		if err == nil {
			if err := checkResponse(resp); err != nil {
				return nil, err
			}
			return bytes.Clone(buf[headerLen:used]), nil
		}
		if err != errIncomplete {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}

		switch {
		case rerr == io.EOF:
			return nil, ErrEarlyEOF
		case rerr != nil:
			return nil, rerr
		}

		if used == len(buf) {
			if len(buf) >= maxResponseHeaderBytes {
				return nil, fmt.Errorf("%w: header block exceeds %d bytes", ErrMalformedResponse, maxResponseHeaderBytes)
			}
			grown := make([]byte, 2*len(buf))
			copy(grown, buf)
			buf = grown
		}
	}
}

// checkResponse maps a complete response to the handshake outcome.
func checkResponse(resp *response) error {
	switch resp.StatusCode {
	case 0:
		return fmt.Errorf("%w: missing status code", ErrMalformedResponse)
	case http.StatusOK:
		return nil
	}
	reason := resp.Reason
	if reason == "" {
		reason = noReason
	}
	return &ProxyError{StatusCode: resp.StatusCode, Reason: reason, Header: resp.Header}
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
