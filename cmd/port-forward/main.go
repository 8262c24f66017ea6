// Package main implements a port forwarder through CONNECT proxies.
//
// This command forwards multiple local ports to remote hosts through a CONNECT proxy.
// Each incoming connection to a local port is tunneled through the proxy to the
// specified remote destination.
//
// Example:
//
//	port-forward -proxy proxy.example.com:3128 \
//	  -forward localhost:8080=example.com:80 \
//	  -forward localhost:8443=example.com:443
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"lds.li/proxytunnel/cmd/internal/logger"
	"lds.li/proxytunnel/connecttunnel"
)

var (
	proxyAddr   = flag.String("proxy", "", "CONNECT proxy address (required, e.g., proxy.example.com:3128)")
	dialTimeout = flag.Duration("timeout", 30*time.Second, "Tunnel setup timeout per connection")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	jsonLogs    = flag.Bool("json", false, "Log in JSON format")
)

// forwardFlags is a custom flag type that accepts multiple -forward flags.
type forwardFlags []string

func (f *forwardFlags) String() string {
	return strings.Join(*f, ", ")
}

func (f *forwardFlags) Set(value string) error {
	*f = append(*f, value)
	return nil
}

var forwards forwardFlags

// forwardConfig represents a single port forward configuration.
type forwardConfig struct {
	name   string
	listen string
	remote string
}

func init() {
	flag.Var(&forwards, "forward", "Port forward in format [name=]listen:port=remote:port (can be repeated)")
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Forward local ports to remote hosts through an HTTP CONNECT proxy.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  # Forward localhost:8080 to example.com:80\n")
		fmt.Fprintf(os.Stderr, "  %s -proxy proxy.example.com:3128 -forward localhost:8080=example.com:80\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Multiple forwards with names\n")
		fmt.Fprintf(os.Stderr, "  %s -proxy proxy.example.com:3128 \\\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    -forward web=localhost:8080=example.com:80 \\\n")
		fmt.Fprintf(os.Stderr, "    -forward api=localhost:8081=api.example.com:443\n\n")
		fmt.Fprintf(os.Stderr, "  # Forward to any interface\n")
		fmt.Fprintf(os.Stderr, "  %s -proxy proxy.example.com:3128 -forward :8080=example.com:80\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	format := logger.TextFormat
	if *jsonLogs {
		format = logger.JSONFormat
	}
	log := logger.NewLogger("port-forward",
		logger.FormatLoggerOption(format),
		logger.VerboseLoggerOption(*verbose),
	)

	if *proxyAddr == "" {
		fmt.Fprintf(os.Stderr, "Error: -proxy is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if len(forwards) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one -forward is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	configs := make([]forwardConfig, 0, len(forwards))
	for i, fwd := range forwards {
		cfg, err := parseForward(fwd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing forward #%d (%s): %v\n", i+1, fwd, err)
			os.Exit(1)
		}
		configs = append(configs, cfg)
	}

	connector, err := connecttunnel.NewConnector(&connecttunnel.ClientConfig{
		ProxyAddr: *proxyAddr,
		ErrorLog:  log.WithField("proxy", *proxyAddr),
	})
	if err != nil {
		log.WithError(err).Fatal("Invalid proxy address")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := &forwarder{
		connector: connector,
		timeout:   *dialTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range configs {
		listener, err := net.Listen("tcp", cfg.listen)
		if err != nil {
			log.WithError(err).WithField("forward", cfg.name).Fatalf("Failed to listen on %s", cfg.listen)
		}

		flog := log.WithFields(logrus.Fields{"forward": cfg.name, "remote": cfg.remote})
		flog.Infof("Forwarding %s -> %s (via %s)", listener.Addr(), cfg.remote, connector.ProxyAddr())

		g.Go(func() error {
			return f.acceptLoop(gctx, listener, cfg.remote, flog)
		})
		g.Go(func() error {
			<-gctx.Done()
			return listener.Close()
		})
	}

	log.Info("All forwards active - press Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Forwarding stopped")
	} else {
		log.Info("Shutting down gracefully...")
	}

	// Wait for in-flight connections with timeout
	done := make(chan struct{})
	go func() {
		f.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All connections closed")
	case <-time.After(5 * time.Second):
		log.Warn("Timeout waiting for connections to close")
	}
}

// parseForward parses a forward flag into a forwardConfig.
// Accepts formats:
//   - listen:port=remote:port
//   - name=listen:port=remote:port
func parseForward(s string) (forwardConfig, error) {
	var cfg forwardConfig

	parts := strings.Split(s, "=")

	switch len(parts) {
	case 2:
		cfg.listen = parts[0]
		cfg.remote = parts[1]
		cfg.name = parts[0] // Use listen address as name
	case 3:
		cfg.name = parts[0]
		cfg.listen = parts[1]
		cfg.remote = parts[2]
	default:
		return cfg, errors.New("invalid format, expected [name=]listen:port=remote:port")
	}

	if cfg.listen == "" {
		return cfg, errors.New("listen address cannot be empty")
	}
	if cfg.remote == "" {
		return cfg, errors.New("remote address cannot be empty")
	}

	if _, port, err := net.SplitHostPort(cfg.listen); err != nil || port == "" {
		return cfg, errors.New("listen address must include port (e.g., localhost:8080 or :8080)")
	}

	// The remote is sent to the proxy as the CONNECT target, so it needs
	// both a host and a port.
	host, port, err := net.SplitHostPort(cfg.remote)
	if err != nil || host == "" || port == "" {
		return cfg, errors.New("remote address must include host and port (e.g., example.com:80)")
	}

	return cfg, nil
}

// forwarder tunnels accepted connections through a Connector.
type forwarder struct {
	connector connecttunnel.Dialer
	timeout   time.Duration

	conns sync.WaitGroup
}

// acceptLoop accepts connections until ctx is done. It returns nil on
// shutdown and the accept error otherwise.
func (f *forwarder) acceptLoop(ctx context.Context, listener net.Listener, remote string, log *logrus.Entry) error {
	for {
		localConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.WithError(err).Warn("Accept error")
				continue
			}
			return fmt.Errorf("accept on %s: %w", listener.Addr(), err)
		}

		f.conns.Add(1)
		go func() {
			defer f.conns.Done()
			f.handleConnection(ctx, localConn, remote, log)
		}()
	}
}

// handleConnection forwards a single connection through the proxy.
func (f *forwarder) handleConnection(ctx context.Context, localConn net.Conn, remote string, log *logrus.Entry) {
	defer localConn.Close()

	log = log.WithField("client", localConn.RemoteAddr().String())
	log.Debug("New connection")

	dialCtx, cancel := context.WithTimeout(ctx, f.timeout)
	remoteConn, err := f.connector.DialContext(dialCtx, "tcp", remote)
	cancel()
	if err != nil {
		log.WithError(err).Warnf("Failed to dial %s", remote)
		return
	}
	defer remoteConn.Close()

	log.Debug("Connected")

	// Tear down both sides on shutdown.
	stop := context.AfterFunc(ctx, func() {
		localConn.Close()
		remoteConn.Close()
	})
	defer stop()

	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(remoteConn, localConn)
		errCh <- err
	}()

	go func() {
		_, err := io.Copy(localConn, remoteConn)
		errCh <- err
	}()

	// Wait for either direction to finish
	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).Debug("Copy error")
	}

	log.Debug("Connection closed")
}
