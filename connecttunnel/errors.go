package connecttunnel

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the package.
var (
	// ErrEarlyEOF is returned when the proxy closes the connection before a
	// complete response header block has been read.
	ErrEarlyEOF = errors.New("connecttunnel: early EOF from proxy")

	// ErrMalformedResponse is returned when the proxy's response cannot be
	// parsed as an HTTP/1.x status line and header block. The parser
	// diagnostic is wrapped alongside it.
	ErrMalformedResponse = errors.New("connecttunnel: malformed response from proxy")

	// ErrInvalidTarget is returned when the target lacks a host or port, or
	// uses a network other than TCP.
	ErrInvalidTarget = errors.New("connecttunnel: invalid target address")
)

// noReason stands in for a reason phrase the proxy omitted.
const noReason = "no reason"

// ProxyError represents a non-200 response from a proxy server.
type ProxyError struct {
	// StatusCode is the HTTP status code returned by the proxy.
	StatusCode int

	// Reason is the reason phrase from the status line, or "no reason" if
	// the proxy sent none.
	Reason string

	// Header holds the response headers, such as Proxy-Authenticate on a
	// 407. It is never nil.
	Header http.Header
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("connecttunnel: proxy responded with %d: %s", e.StatusCode, e.Reason)
}

// Is implements error matching for ProxyError.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok
}

// ParseError describes why a proxy response could not be parsed.
type ParseError struct {
	// Offset is the byte position in the response where parsing failed.
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at offset %d", e.Msg, e.Offset)
}
