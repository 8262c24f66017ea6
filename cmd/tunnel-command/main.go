// Package main implements an SSH ProxyCommand that forwards connections through a CONNECT proxy.
//
// This command is designed to be used with SSH's ProxyCommand option:
//
//	ssh -o ProxyCommand="tunnel-command -proxy proxy.example.com:3128 %h %p" user@target
//
// It reads from stdin and writes to stdout, forwarding the SSH protocol through
// the CONNECT proxy to the target SSH server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"lds.li/proxytunnel/cmd/internal/logger"
	"lds.li/proxytunnel/connecttunnel"
)

var (
	proxyAddr  = flag.String("proxy", "", "CONNECT proxy address (required, e.g., proxy.example.com:3128)")
	timeout    = flag.Duration("timeout", 30*time.Second, "Tunnel setup timeout")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (written to stderr)")
	bufferSize = flag.Int("buffer", 32*1024, "I/O buffer size in bytes")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <target-host> <target-port>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "SSH ProxyCommand for HTTP CONNECT proxies.\n\n")
		fmt.Fprintf(os.Stderr, "Example usage in SSH:\n")
		fmt.Fprintf(os.Stderr, "  ssh -o ProxyCommand='%s -proxy proxy.example.com:3128 %%h %%p' user@target\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Or in ~/.ssh/config:\n")
		fmt.Fprintf(os.Stderr, "  Host *\n")
		fmt.Fprintf(os.Stderr, "    ProxyCommand %s -proxy proxy.example.com:3128 %%h %%p\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	// stdout carries the tunnel, so logs only ever go to stderr, and only
	// errors unless -verbose is set.
	level := logrus.ErrorLevel
	if *verbose {
		level = logrus.DebugLevel
	}
	log := logger.NewLogger("tunnel-command",
		logger.OutputLoggerOption(os.Stderr),
		logger.LevelLoggerOption(level),
	)

	if *proxyAddr == "" {
		fmt.Fprintf(os.Stderr, "Error: -proxy is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "Error: target host and port are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	target, err := targetURL(flag.Arg(0), flag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}
	log = log.WithFields(logrus.Fields{"proxy": *proxyAddr, "target": target.Host})

	connector, err := connecttunnel.NewConnector(&connecttunnel.ClientConfig{
		ProxyAddr: *proxyAddr,
		ErrorLog:  log,
	})
	if err != nil {
		log.WithError(err).Fatal("Invalid proxy address")
	}

	log.Debug("Connecting")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	conn, err := connector.Connect(ctx, target)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("Tunnel setup failed")
	}
	defer conn.Close()

	log.Debug("Connected")

	if err := relay(conn, os.Stdin, os.Stdout, *bufferSize, log); err != nil {
		log.WithError(err).Error("Connection error")
		conn.Close()
		os.Exit(1)
	}

	log.Debug("Connection closed")
}

// targetURL validates the positional arguments and returns them in the form
// Connector.Connect takes.
func targetURL(host, port string) (*url.URL, error) {
	if host == "" {
		return nil, errors.New("target host is empty")
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return nil, fmt.Errorf("invalid target port %q", port)
	}
	return &url.URL{Host: net.JoinHostPort(host, port)}, nil
}

// relay copies between the tunnel and stdin/stdout. It returns once the
// tunnel stops delivering data, or as soon as reading stdin fails.
func relay(conn net.Conn, in io.Reader, out io.Writer, bufSize int, log *logrus.Entry) error {
	inDone := make(chan error, 1)
	outDone := make(chan error, 1)

	// stdin -> connection
	go func() {
		_, err := io.CopyBuffer(conn, in, make([]byte, bufSize))
		if err != nil {
			log.WithError(err).Debug("stdin->conn copy ended")
		}
		// Half-close so the target sees EOF while replies keep flowing.
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
		inDone <- err
	}()

	// connection -> stdout
	go func() {
		_, err := io.CopyBuffer(out, conn, make([]byte, bufSize))
		if err != nil {
			log.WithError(err).Debug("conn->stdout copy ended")
		}
		outDone <- err
	}()

	select {
	case err := <-outDone:
		return err
	case err := <-inDone:
		if err != nil {
			return err
		}
		return <-outDone
	}
}
