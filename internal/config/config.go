package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Transport names accepted by --transport.
const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
	TransportWS   = "ws"
)

// ServerConfig holds configuration for the ftpd binary.
type ServerConfig struct {
	Addr         string
	Transport    string
	LogLevel     string
	ReadTimeout  time.Duration
	BackendsFile string // empty means the built-in backend table
}

// ClientConfig holds configuration for the ftp binary.
type ClientConfig struct {
	Server    string
	Transport string
	LogLevel  string
	Timeout   time.Duration // per-message receive timeout
	ChunkSize uint32
	Backend   uint8
	MemAddr   uint32
	MemSize   uint32
	Quiet     bool
	Args      []string // positional arguments after flags (subcommand and operands)
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: addr=":7878", transport="tcp", logLevel="info", readTimeout=10s
func ParseServerConfig() (ServerConfig, error) {
	fs := pflag.NewFlagSet("ftpd", pflag.ContinueOnError)
	return parseServerConfigWithFlagSet(fs, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:        ":7878",
		Transport:   TransportTCP,
		LogLevel:    "info",
		ReadTimeout: 10 * time.Second,
	}

	// Read from environment first
	if addr := os.Getenv("CHUNKFTP_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if tr := os.Getenv("CHUNKFTP_TRANSPORT"); tr != "" {
		cfg.Transport = tr
	}
	if logLevel := os.Getenv("CHUNKFTP_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if v := os.Getenv("CHUNKFTP_READ_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("CHUNKFTP_READ_TIMEOUT: %w", err)
		}
		cfg.ReadTimeout = d
	}
	if path := os.Getenv("CHUNKFTP_BACKENDS"); path != "" {
		cfg.BackendsFile = path
	}

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "idle time before a session is interrupted")
	fs.StringVar(&cfg.BackendsFile, "backends", cfg.BackendsFile, "YAML file describing storage backends")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Transport = strings.ToLower(cfg.Transport)
	if err := checkTransport(cfg.Transport); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout <= 0 {
		return cfg, errors.New("read timeout must be positive")
	}
	return cfg, nil
}

// ParseClientConfig parses client configuration from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: server="localhost:7878", transport="tcp", timeout=5s, chunkSize=1024, backend=1
func ParseClientConfig() (ClientConfig, error) {
	fs := pflag.NewFlagSet("ftp", pflag.ContinueOnError)
	return parseClientConfigWithFlagSet(fs, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		Server:    "localhost:7878",
		Transport: TransportTCP,
		LogLevel:  "info",
		Timeout:   5 * time.Second,
		ChunkSize: 1024,
		Backend:   1,
	}

	// Read from environment first
	if server := os.Getenv("CHUNKFTP_SERVER"); server != "" {
		cfg.Server = server
	}
	if tr := os.Getenv("CHUNKFTP_TRANSPORT"); tr != "" {
		cfg.Transport = tr
	}
	if logLevel := os.Getenv("CHUNKFTP_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if v := os.Getenv("CHUNKFTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("CHUNKFTP_TIMEOUT: %w", err)
		}
		cfg.Timeout = d
	}
	if v := os.Getenv("CHUNKFTP_CHUNK_SIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return cfg, fmt.Errorf("CHUNKFTP_CHUNK_SIZE: %w", err)
		}
		cfg.ChunkSize = uint32(n)
	}
	if v := os.Getenv("CHUNKFTP_BACKEND"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return cfg, fmt.Errorf("CHUNKFTP_BACKEND: %w", err)
		}
		cfg.Backend = uint8(n)
	}

	// Flags override environment
	fs.StringVar(&cfg.Server, "server", cfg.Server, "server address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (tcp, quic, ws)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "receive timeout per message")
	fs.Uint32Var(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in bytes (1..65535)")
	fs.Uint8Var(&cfg.Backend, "backend", cfg.Backend, "remote backend id")
	fs.Uint32Var(&cfg.MemAddr, "mem-addr", 0, "memory address for RAM backend transfers without a path")
	fs.Uint32Var(&cfg.MemSize, "mem-size", 0, "memory size for RAM backend downloads without a path")
	fs.BoolVarP(&cfg.Quiet, "quiet", "q", false, "disable the progress display")
	fs.SetInterspersed(true)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Args = fs.Args()

	cfg.Transport = strings.ToLower(cfg.Transport)
	if err := checkTransport(cfg.Transport); err != nil {
		return cfg, err
	}
	if cfg.ChunkSize == 0 || cfg.ChunkSize > 0xFFFF {
		return cfg, fmt.Errorf("chunk size %d out of range 1..65535", cfg.ChunkSize)
	}
	if cfg.Timeout <= 0 {
		return cfg, errors.New("timeout must be positive")
	}
	return cfg, nil
}

func checkTransport(name string) error {
	switch name {
	case TransportTCP, TransportQUIC, TransportWS:
		return nil
	}
	return fmt.Errorf("unknown transport %q", name)
}
