package connecttunnel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/proxy"
)

// fakeProxy is a raw-TCP HTTP/1.1 CONNECT proxy. It accepts the request line
// without a Host header, which net/http servers reject.
type fakeProxy struct {
	ln net.Listener

	// response, if set, is written verbatim instead of opening a tunnel.
	response string

	mu       sync.Mutex
	requests []string
}

func newFakeProxy(t *testing.T, response string) *fakeProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create proxy listener: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	p := &fakeProxy{ln: ln, response: response}
	go p.serve()
	return p
}

func (p *fakeProxy) Addr() string {
	return p.ln.Addr().String()
}

// Requests returns the request lines received so far.
func (p *fakeProxy) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

func (p *fakeProxy) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *fakeProxy) handle(client net.Conn) {
	defer func() { _ = client.Close() }()

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		return
	}
	for {
		l, err := br.ReadString('\n')
		if err != nil {
			return
		}
		if l == "\r\n" {
			break
		}
	}

	p.mu.Lock()
	p.requests = append(p.requests, line)
	p.mu.Unlock()

	if p.response != "" {
		_, _ = io.WriteString(client, p.response)
		return
	}

	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != http.MethodConnect {
		_, _ = io.WriteString(client, "HTTP/1.1 400 Bad Request\r\n\r\n")
		return
	}

	upstream, err := net.Dial("tcp", fields[1])
	if err != nil {
		_, _ = io.WriteString(client, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer func() { _ = upstream.Close() }()

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, br)
		if conn, ok := upstream.(*net.TCPConn); ok {
			_ = conn.CloseWrite()
		}
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(client, upstream)
		errCh <- err
	}()
	<-errCh
	<-errCh
}

// newEchoServer starts a TCP server that echoes everything it reads.
func newEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create echo server: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// echo writes message to conn and reads it back.
func echo(t *testing.T, conn net.Conn, message string) {
	t.Helper()
	if _, err := io.WriteString(conn, message); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(message))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if string(buf) != message {
		t.Errorf("echo = %q, want %q", buf, message)
	}
}

func newTestConnector(t *testing.T, cfg *ClientConfig) *Connector {
	t.Helper()
	c, err := NewConnector(cfg)
	if err != nil {
		t.Fatalf("NewConnector failed: %v", err)
	}
	return c
}

// TestConnectorDialContext tests a tunnel to an echo server.
func TestConnectorDialContext(t *testing.T) {
	echoAddr := newEchoServer(t)
	p := newFakeProxy(t, "")
	c := newTestConnector(t, &ClientConfig{ProxyAddr: p.Addr()})

	conn, err := c.DialContext(context.Background(), "tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through proxy: %v", err)
	}
	defer conn.Close()

	echo(t, conn, "Hello, World!")

	want := []string{fmt.Sprintf("CONNECT %s HTTP/1.1\r\n", echoAddr)}
	if diff := cmp.Diff(want, p.Requests()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

// TestConnectorConnectURL tests tunnels addressed by URL.
func TestConnectorConnectURL(t *testing.T) {
	echoAddr := newEchoServer(t)
	p := newFakeProxy(t, "")
	c := newTestConnector(t, &ClientConfig{ProxyAddr: p.Addr()})

	conn, err := c.Connect(context.Background(), &url.URL{Scheme: "https", Host: echoAddr, Path: "/ignored"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	echo(t, conn, "via URL")
}

// TestConnectorConcurrent tests independent tunnels through one Connector.
func TestConnectorConcurrent(t *testing.T) {
	const numTunnels = 5
	echoAddr := newEchoServer(t)
	p := newFakeProxy(t, "")
	c := newTestConnector(t, &ClientConfig{ProxyAddr: p.Addr()})

	var wg sync.WaitGroup
	for i := 0; i < numTunnels; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			conn, err := c.DialContext(context.Background(), "tcp", echoAddr)
			if err != nil {
				t.Errorf("Tunnel %d: %v", idx, err)
				return
			}
			defer conn.Close()

			message := fmt.Sprintf("test-%d", idx)
			if _, err := io.WriteString(conn, message); err != nil {
				t.Errorf("Tunnel %d: write: %v", idx, err)
				return
			}
			buf := make([]byte, len(message))
			if _, err := io.ReadFull(conn, buf); err != nil {
				t.Errorf("Tunnel %d: read: %v", idx, err)
				return
			}
			if string(buf) != message {
				t.Errorf("Tunnel %d: expected %q, got %q", idx, message, buf)
			}
		}(i)
	}
	wg.Wait()

	if got := len(p.Requests()); got != numTunnels {
		t.Errorf("proxy saw %d requests, want %d", got, numTunnels)
	}
}

// TestConnectorInvalidTarget tests that bad targets fail before dialing.
func TestConnectorInvalidTarget(t *testing.T) {
	dials := 0
	c := newTestConnector(t, &ClientConfig{
		ProxyAddr: "127.0.0.1:3128",
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			dials++
			return nil, errors.New("unexpected dial")
		},
	})
	ctx := context.Background()

	urls := []*url.URL{
		nil,
		{Scheme: "https", Host: "example.com"},
		{Scheme: "https", Host: ":443"},
		{Scheme: "https", Host: "example.com:65536"},
		{Scheme: "https", Host: "example.com:http"},
	}
	for _, u := range urls {
		if _, err := c.Connect(ctx, u); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("Connect(%v): error = %v, want ErrInvalidTarget", u, err)
		}
	}

	addrs := []struct{ network, address string }{
		{"udp", "example.com:53"},
		{"tcp", "example.com"},
		{"tcp", ":443"},
		{"tcp", "example.com:-1"},
	}
	for _, a := range addrs {
		if _, err := c.DialContext(ctx, a.network, a.address); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("DialContext(%s, %s): error = %v, want ErrInvalidTarget", a.network, a.address, err)
		}
	}

	if dials != 0 {
		t.Errorf("dialed %d times, want 0", dials)
	}
}

// TestTargetFromURL tests host and port extraction.
func TestTargetFromURL(t *testing.T) {
	tests := []struct {
		rawURL string
		want   Target
		wire   string
	}{
		{"https://example.com:443/path", Target{Host: "example.com", Port: 443}, "example.com:443"},
		{"http://10.1.2.3:0", Target{Host: "10.1.2.3", Port: 0}, "10.1.2.3:0"},
		{"https://[2001:db8::1]:8443", Target{Host: "[2001:db8::1]", Port: 8443}, "[2001:db8::1]:8443"},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.rawURL)
		if err != nil {
			t.Fatalf("url.Parse(%q): %v", tt.rawURL, err)
		}
		got, err := targetFromURL(u)
		if err != nil {
			t.Fatalf("targetFromURL(%q): %v", tt.rawURL, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s: target mismatch (-want +got):\n%s", tt.rawURL, diff)
		}
		if got.String() != tt.wire {
			t.Errorf("%s: String() = %q, want %q", tt.rawURL, got.String(), tt.wire)
		}
	}
}

// TestNewConnectorResolve tests construction-time address validation.
func TestNewConnectorResolve(t *testing.T) {
	for _, addr := range []string{
		"",
		"127.0.0.1",
		"127.0.0.1:99999",
		"[::1",
		":0",
		":3128",
		"127.0.0.1:0",
		"[::1]:0",
	} {
		if c, err := NewConnector(&ClientConfig{ProxyAddr: addr}); err == nil {
			t.Errorf("NewConnector(%q) succeeded with %q, want error", addr, c.ProxyAddr())
		}
	}

	if c, err := NewConnector(nil); err == nil {
		t.Errorf("NewConnector(nil) succeeded with %q, want error", c.ProxyAddr())
	}

	c := newTestConnector(t, &ClientConfig{ProxyAddr: "127.0.0.1:3128"})
	if got, want := c.ProxyAddr(), "127.0.0.1:3128"; got != want {
		t.Errorf("ProxyAddr() = %q, want %q", got, want)
	}
}

// TestConnectorRejected tests a proxy refusing the tunnel.
func TestConnectorRejected(t *testing.T) {
	p := newFakeProxy(t, "HTTP/1.1 403 Forbidden\r\n\r\n")
	var logBuf bytes.Buffer
	c := newTestConnector(t, &ClientConfig{
		ProxyAddr: p.Addr(),
		ErrorLog:  log.New(&logBuf, "", 0),
	})

	_, err := c.DialContext(context.Background(), "tcp", "example.com:443")
	var proxyErr *ProxyError
	if !errors.As(err, &proxyErr) {
		t.Fatalf("error = %v, want *ProxyError", err)
	}
	if diff := cmp.Diff(&ProxyError{StatusCode: 403, Reason: "Forbidden", Header: http.Header{}}, proxyErr); diff != "" {
		t.Errorf("ProxyError mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(logBuf.String(), "CONNECT example.com:443") {
		t.Errorf("log = %q, want the failed CONNECT logged", logBuf.String())
	}
}

// TestConnectorEarlyClose tests a proxy that hangs up without responding.
func TestConnectorEarlyClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			readRequest(t, bufio.NewReader(conn))
			_ = conn.Close()
		}
	}()

	c := newTestConnector(t, &ClientConfig{ProxyAddr: ln.Addr().String()})
	if _, err := c.DialContext(context.Background(), "tcp", "example.com:443"); !errors.Is(err, ErrEarlyEOF) {
		t.Errorf("error = %v, want ErrEarlyEOF", err)
	}
}

// TestConnectorDialError tests that dial errors pass through unwrapped.
func TestConnectorDialError(t *testing.T) {
	errDial := errors.New("no route to proxy")
	var gotAddr string
	c := newTestConnector(t, &ClientConfig{
		ProxyAddr: "127.0.0.1:3128",
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			gotAddr = address
			return nil, errDial
		},
	})

	if _, err := c.DialContext(context.Background(), "tcp", "example.com:443"); err != errDial {
		t.Errorf("error = %v, want %v", err, errDial)
	}
	if gotAddr != "127.0.0.1:3128" {
		t.Errorf("dialed %q, want the proxy address", gotAddr)
	}
}

// pipeDialer returns a DialFunc handing out the client end of a net.Pipe. The
// proxy end reads the request and then stays silent until closed.
func pipeDialer(t *testing.T, closed chan<- struct{}) DialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			readRequest(t, bufio.NewReader(server))
			_, _ = io.Copy(io.Discard, server)
			close(closed)
		}()
		return client, nil
	}
}

// TestConnectorContextCanceled tests cancelling a handshake in flight.
func TestConnectorContextCanceled(t *testing.T) {
	closed := make(chan struct{})
	c := newTestConnector(t, &ClientConfig{
		ProxyAddr:   "127.0.0.1:3128",
		DialContext: pipeDialer(t, closed),
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	conn, err := c.DialContext(ctx, "tcp", "example.com:443")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if conn != nil {
		t.Errorf("DialContext returned a conn after cancellation")
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Errorf("proxy connection was not closed")
	}
}

// TestConnectorContextDeadline tests a handshake that outlives its deadline.
func TestConnectorContextDeadline(t *testing.T) {
	closed := make(chan struct{})
	c := newTestConnector(t, &ClientConfig{
		ProxyAddr:   "127.0.0.1:3128",
		DialContext: pipeDialer(t, closed),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.DialContext(ctx, "tcp", "example.com:443")
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("error = %v, want a deadline error", err)
	}
	<-closed
}

// TestConnectorHTTPClient tests the Connector as an http.Transport dialer.
func TestConnectorHTTPClient(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tunneled "+r.URL.Path)
	}))
	defer target.Close()

	p := newFakeProxy(t, "")
	c := newTestConnector(t, &ClientConfig{ProxyAddr: p.Addr()})

	transport := &http.Transport{DialContext: c.DialContext}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: 5 * time.Second}

	resp, err := client.Get(target.URL + "/hello")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if string(body) != "tunneled /hello" {
		t.Errorf("body = %q, want %q", body, "tunneled /hello")
	}
	if len(p.Requests()) != 1 {
		t.Errorf("proxy saw %d requests, want 1", len(p.Requests()))
	}
}

// TestFromURL tests the x/net/proxy registration.
func TestFromURL(t *testing.T) {
	echoAddr := newEchoServer(t)
	p := newFakeProxy(t, "")

	d, err := proxy.FromURL(&url.URL{Scheme: "http", Host: p.Addr()}, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.FromURL failed: %v", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		t.Fatalf("dialer %T does not implement proxy.ContextDialer", d)
	}

	conn, err := cd.DialContext(context.Background(), "tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through proxy: %v", err)
	}
	defer conn.Close()
	echo(t, conn, "x/net/proxy")

	if _, err := FromURL(&url.URL{Scheme: "https", Host: p.Addr()}, proxy.Direct); err == nil {
		t.Errorf("FromURL accepted an https proxy")
	}

	d, err = FromURL(&url.URL{Scheme: "http", Host: "127.0.0.1"}, nil)
	if err != nil {
		t.Fatalf("FromURL without port failed: %v", err)
	}
	if got := d.(*Connector).ProxyAddr(); got != "127.0.0.1:80" {
		t.Errorf("ProxyAddr() = %q, want default port 80", got)
	}
}

// TestChainedConnectors tests a tunnel through two proxies.
func TestChainedConnectors(t *testing.T) {
	echoAddr := newEchoServer(t)
	p1 := newFakeProxy(t, "")
	p2 := newFakeProxy(t, "")

	c1 := newTestConnector(t, &ClientConfig{ProxyAddr: p1.Addr()})
	c2 := newTestConnector(t, &ClientConfig{
		ProxyAddr:   p2.Addr(),
		DialContext: c1.DialContext,
	})

	conn, err := c2.DialContext(context.Background(), "tcp", echoAddr)
	if err != nil {
		t.Fatalf("Failed to dial through chained proxies: %v", err)
	}
	defer conn.Close()
	echo(t, conn, "two hops")

	if diff := cmp.Diff([]string{"CONNECT " + p2.Addr() + " HTTP/1.1\r\n"}, p1.Requests()); diff != "" {
		t.Errorf("proxy 1 requests mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"CONNECT " + echoAddr + " HTTP/1.1\r\n"}, p2.Requests()); diff != "" {
		t.Errorf("proxy 2 requests mismatch (-want +got):\n%s", diff)
	}
}
