package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sheerbytes/chunkftp/internal/config"
	"github.com/sheerbytes/chunkftp/internal/logging"
	"github.com/sheerbytes/chunkftp/internal/server"
	"github.com/sheerbytes/chunkftp/internal/transferquic"
	"github.com/sheerbytes/chunkftp/internal/transferws"
	"github.com/sheerbytes/chunkftp/internal/transport"
)

const serverVersion = "v0.2.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, serverVersion)
		return
	}
	cfg, err := config.ParseServerConfig()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printServerUsage()
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printServerUsage()
		os.Exit(2)
	}
	logger := logging.New("ftpd", cfg.LogLevel)

	specs, err := config.LoadBackends(cfg.BackendsFile)
	if err != nil {
		logger.Error("load backends", "error", err)
		os.Exit(1)
	}
	registry, err := config.BuildRegistry(specs, logger)
	if err != nil {
		logger.Error("build backends", "error", err)
		os.Exit(1)
	}

	ln, err := listen(cfg, logger)
	if err != nil {
		logger.Error("listen", "transport", cfg.Transport, "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}
	logger.Info("server listening", "transport", cfg.Transport, "addr", ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Options{
		Registry:    registry,
		Logger:      logger,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err := srv.Serve(ctx, ln); err != nil {
		logger.Error("serve", "error", err)
		_ = ln.Close()
		os.Exit(1)
	}
	_ = ln.Close()
	logger.Info("server stopped")
}

func listen(cfg config.ServerConfig, logger *slog.Logger) (transport.Listener, error) {
	switch cfg.Transport {
	case config.TransportQUIC:
		return transferquic.Listen(cfg.Addr, logger)
	case config.TransportWS:
		return transferws.Listen(cfg.Addr, logger)
	default:
		return transport.ListenTCP(cfg.Addr)
	}
}

func printServerUsage() {
	fmt.Fprintln(os.Stderr, "usage: ftpd [--addr ADDR] [--transport tcp|quic|ws] [--backends FILE]")
	fmt.Fprintln(os.Stderr, "  --addr ADDR              listen address (default :7878)")
	fmt.Fprintln(os.Stderr, "  --transport NAME         tcp, quic or ws (default tcp)")
	fmt.Fprintln(os.Stderr, "  --backends FILE          YAML backend table (default: 0 ram, 1 fat ./data/sd, 2 flash ./data/flash)")
	fmt.Fprintln(os.Stderr, "  --read-timeout DURATION  idle time before a session is interrupted (default 10s)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL        debug, info, warn, error (default info)")
	fmt.Fprintln(os.Stderr, "environment: CHUNKFTP_ADDR, CHUNKFTP_TRANSPORT, CHUNKFTP_BACKENDS, CHUNKFTP_READ_TIMEOUT, CHUNKFTP_LOG_LEVEL")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
