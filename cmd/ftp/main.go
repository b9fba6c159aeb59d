package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/sheerbytes/chunkftp/internal/backend/disk"
	"github.com/sheerbytes/chunkftp/internal/client"
	"github.com/sheerbytes/chunkftp/internal/config"
	"github.com/sheerbytes/chunkftp/internal/logging"
	"github.com/sheerbytes/chunkftp/internal/progress"
	"github.com/sheerbytes/chunkftp/internal/transferquic"
	"github.com/sheerbytes/chunkftp/internal/transferws"
	"github.com/sheerbytes/chunkftp/internal/transport"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

const clientVersion = "v0.2.0"

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, clientVersion)
		return
	}
	cfg, err := config.ParseClientConfig()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printClientUsage()
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printClientUsage()
		os.Exit(2)
	}
	if len(cfg.Args) == 0 {
		printClientUsage()
		os.Exit(2)
	}
	logger := logging.New("ftp", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		var remote *client.RemoteError
		if errors.As(err, &remote) {
			fmt.Fprintf(os.Stderr, "%s failed: %s\n", remote.Op, remote.Result)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	local, err := disk.New(disk.Options{Name: "local", Root: "/", Logger: logger})
	if err != nil {
		return err
	}
	meter := progress.NewMeter()
	c := client.New(client.Options{
		Dialer:    dialer(cfg, logger),
		Addr:      cfg.Server,
		Local:     local,
		Logger:    logger,
		ChunkSize: cfg.ChunkSize,
		Timeout:   cfg.Timeout,
		Meter:     meter,
	})

	cmd, args := cfg.Args[0], cfg.Args[1:]
	switch cmd {
	case "upload", "put":
		if len(args) != 2 {
			return usageError(cmd)
		}
		src, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		stopRender := render(ctx, cfg, "upload "+filepath.Base(src), meter)
		err = c.Upload(ctx, filepath.ToSlash(src), remote(cfg, args[1]))
		stopRender()
		return err
	case "download", "get":
		if len(args) != 2 {
			return usageError(cmd)
		}
		dst, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		stopRender := render(ctx, cfg, "download "+filepath.Base(dst), meter)
		err = c.Download(ctx, remote(cfg, args[0]), filepath.ToSlash(dst))
		stopRender()
		return err
	case "ls", "list":
		dir := "/"
		if len(args) > 1 {
			return usageError(cmd)
		}
		if len(args) == 1 {
			dir = args[0]
		}
		entries, err := c.List(ctx, cfg.Backend, dir)
		if err != nil {
			return err
		}
		printEntries(entries)
		return nil
	case "mv", "move":
		if len(args) != 2 {
			return usageError(cmd)
		}
		return c.Move(ctx, cfg.Backend, args[0], args[1])
	case "rm", "remove":
		if len(args) != 1 {
			return usageError(cmd)
		}
		return c.Remove(ctx, cfg.Backend, args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func dialer(cfg config.ClientConfig, logger *slog.Logger) transport.Dialer {
	switch cfg.Transport {
	case config.TransportQUIC:
		return &transferquic.Dialer{Logger: logger}
	case config.TransportWS:
		return &transferws.Dialer{Logger: logger}
	default:
		return transport.TCPDialer{Timeout: cfg.Timeout}
	}
}

func remote(cfg config.ClientConfig, path string) client.Remote {
	return client.Remote{
		Backend: cfg.Backend,
		Path:    path,
		MemAddr: cfg.MemAddr,
		MemSize: cfg.MemSize,
	}
}

func render(ctx context.Context, cfg config.ClientConfig, label string, meter *progress.Meter) func() {
	if cfg.Quiet {
		return func() {}
	}
	return progress.Render(ctx, os.Stderr, label, meter.Snapshot)
}

func printEntries(entries []protocol.ListEntry) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		size := humanize.IBytes(uint64(e.Size))
		if e.Kind == protocol.EntryDir {
			size = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Kind, size, e.Path)
	}
	_ = tw.Flush()
}

func usageError(cmd string) error {
	printClientUsage()
	return fmt.Errorf("wrong number of arguments for %s", cmd)
}

func printClientUsage() {
	fmt.Fprintln(os.Stderr, "usage: ftp [flags] <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  upload LOCAL REMOTE      send a file, resuming an interrupted upload")
	fmt.Fprintln(os.Stderr, "  download REMOTE LOCAL    fetch a file, resuming an interrupted download")
	fmt.Fprintln(os.Stderr, "  ls [PATH]                list a remote directory")
	fmt.Fprintln(os.Stderr, "  mv FROM TO               rename a remote file")
	fmt.Fprintln(os.Stderr, "  rm PATH                  delete a remote file")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  --server ADDR            server address (default localhost:7878)")
	fmt.Fprintln(os.Stderr, "  --transport NAME         tcp, quic or ws (default tcp)")
	fmt.Fprintln(os.Stderr, "  --backend ID             remote backend: 0 ram, 1 fat, 2 flash (default 1)")
	fmt.Fprintln(os.Stderr, "  --chunk-size N           chunk size in bytes (default 1024)")
	fmt.Fprintln(os.Stderr, "  --timeout DURATION       receive timeout per message (default 5s)")
	fmt.Fprintln(os.Stderr, "  --mem-addr N             RAM address when REMOTE is empty")
	fmt.Fprintln(os.Stderr, "  --mem-size N             RAM size for downloads when REMOTE is empty")
	fmt.Fprintln(os.Stderr, "  -q, --quiet              no progress display")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL        debug, info, warn, error (default info)")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
