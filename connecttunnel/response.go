package connecttunnel

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// errIncomplete reports that the buffer ends before the header block does.
var errIncomplete = errors.New("connecttunnel: incomplete response")

// response is the status line and header block of a proxy's reply to a
// CONNECT request. The body, if any, is never read.
type response struct {
	StatusCode int

	// Reason is the reason phrase, empty if the proxy sent none.
	Reason string

	Header http.Header
}

type responseParser struct {
	buf []byte
	pos int
}

// parseResponse parses buf from its first byte. On success it returns the
// response and the length of the header block. It returns errIncomplete if
// buf is a valid prefix of a response, and a *ParseError as soon as a byte
// rules out a valid one.
func parseResponse(buf []byte) (*response, int, error) {
	p := &responseParser{buf: buf}
	if err := p.skipEmptyLines(); err != nil {
		return nil, 0, err
	}

	if err := p.version(); err != nil {
		return nil, 0, err
	}
	if err := p.spaces(); err != nil {
		return nil, 0, err
	}

	resp := &response{Header: make(http.Header)}
	var err error
	if resp.StatusCode, err = p.statusCode(); err != nil {
		return nil, 0, err
	}
	if resp.Reason, err = p.reason(); err != nil {
		return nil, 0, err
	}
	if err = p.headers(resp.Header); err != nil {
		return nil, 0, err
	}
	return resp, p.pos, nil
}

func (p *responseParser) fail(msg string) error {
	return &ParseError{Offset: p.pos, Msg: msg}
}

func (p *responseParser) skipEmptyLines() error {
	for p.pos < len(p.buf) {
		switch p.buf[p.pos] {
		case '\n':
			p.pos++
		case '\r':
			if err := p.lineEnd(); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return errIncomplete
}

const versionPrefix = "HTTP/1."

// version accepts HTTP/1.0 and HTTP/1.1.
func (p *responseParser) version() error {
	for i := 0; i < len(versionPrefix); i++ {
		if p.pos >= len(p.buf) {
			return errIncomplete
		}
		if p.buf[p.pos] != versionPrefix[i] {
			return p.fail("invalid HTTP version")
		}
		p.pos++
	}
	if p.pos >= len(p.buf) {
		return errIncomplete
	}
	if c := p.buf[p.pos]; c != '0' && c != '1' {
		return p.fail("invalid HTTP version")
	}
	p.pos++
	return nil
}

// spaces consumes the run of SP between version and status code.
func (p *responseParser) spaces() error {
	if p.pos >= len(p.buf) {
		return errIncomplete
	}
	if p.buf[p.pos] != ' ' {
		return p.fail("invalid HTTP version")
	}
	for p.pos < len(p.buf) && p.buf[p.pos] == ' ' {
		p.pos++
	}
	return nil
}

func (p *responseParser) statusCode() (int, error) {
	code := 0
	for i := 0; i < 3; i++ {
		if p.pos >= len(p.buf) {
			return 0, errIncomplete
		}
		c := p.buf[p.pos]
		if c < '0' || c > '9' {
			return 0, p.fail("invalid status code")
		}
		code = code*10 + int(c-'0')
		p.pos++
	}
	return code, nil
}

func (p *responseParser) reason() (string, error) {
	if p.pos >= len(p.buf) {
		return "", errIncomplete
	}
	switch p.buf[p.pos] {
	case '\r', '\n':
		return "", p.lineEnd()
	case ' ':
		p.pos++
	default:
		return "", p.fail("invalid status code")
	}

	start := p.pos
	for p.pos < len(p.buf) {
		c := p.buf[p.pos]
		switch {
		case c == '\r' || c == '\n':
			reason := string(p.buf[start:p.pos])
			if err := p.lineEnd(); err != nil {
				return "", err
			}
			return reason, nil
		case c == '\t' || (c >= ' ' && c != 0x7f):
			p.pos++
		default:
			return "", p.fail("invalid reason phrase")
		}
	}
	return "", errIncomplete
}

func (p *responseParser) headers(h http.Header) error {
	for {
		if p.pos >= len(p.buf) {
			return errIncomplete
		}
		if c := p.buf[p.pos]; c == '\r' || c == '\n' {
			return p.lineEnd()
		}

		start := p.pos
		for {
			if p.pos >= len(p.buf) {
				return errIncomplete
			}
			c := p.buf[p.pos]
			if c == ':' {
				break
			}
			if !httpguts.IsTokenRune(rune(c)) {
				return p.fail("invalid header name")
			}
			p.pos++
		}
		if p.pos == start {
			return p.fail("invalid header name")
		}
		name := string(p.buf[start:p.pos])
		p.pos++

		start = p.pos
		for {
			if p.pos >= len(p.buf) {
				return errIncomplete
			}
			if c := p.buf[p.pos]; c == '\r' || c == '\n' {
				break
			}
			p.pos++
		}
		value := strings.Trim(string(p.buf[start:p.pos]), " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return p.fail("invalid header value")
		}
		if err := p.lineEnd(); err != nil {
			return err
		}
		h.Add(name, value)
	}
}

// lineEnd consumes CRLF or a bare LF.
func (p *responseParser) lineEnd() error {
	if p.pos >= len(p.buf) {
		return errIncomplete
	}
	switch p.buf[p.pos] {
	case '\n':
		p.pos++
		return nil
	case '\r':
		if p.pos+1 >= len(p.buf) {
			return errIncomplete
		}
		if p.buf[p.pos+1] != '\n' {
			return p.fail("invalid new line")
		}
		p.pos += 2
		return nil
	}
	return p.fail("invalid new line")
}
