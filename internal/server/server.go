// Package server is the receiving end of the transfer protocol. It runs
// one worker per accepted connection; a worker serves one session at a
// time and owns that session's backend handle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sheerbytes/chunkftp/internal/backend"
	"github.com/sheerbytes/chunkftp/internal/logging"
	"github.com/sheerbytes/chunkftp/internal/transfer"
	"github.com/sheerbytes/chunkftp/internal/transport"
)

// DefaultReadTimeout bounds every receive when Options.ReadTimeout is zero.
const DefaultReadTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	Registry *backend.Registry
	Logger   *slog.Logger
	// ReadTimeout bounds each receive. When it passes mid-transfer the
	// backend keeps its partial state for a resume.
	ReadTimeout time.Duration
}

// Server accepts connections and runs transfer sessions against the
// registered backends.
type Server struct {
	registry    *backend.Registry
	logger      *slog.Logger
	readTimeout time.Duration

	wg sync.WaitGroup
}

// New returns a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	rt := opts.ReadTimeout
	if rt <= 0 {
		rt = DefaultReadTimeout
	}
	return &Server{
		registry:    opts.Registry,
		logger:      logger,
		readTimeout: rt,
	}
}

// Serve accepts connections until ctx ends or the listener closes, then
// waits for running workers.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	defer s.wg.Wait()
	s.logger.Info("serving", "addr", ln.Addr())
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs sessions on conn until the peer goes away, breaks the
// protocol or ends a transfer. A panic ends only this connection.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) {
	logger := s.logger.With("remote_addr", conn.RemoteAddr())
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	logger.Debug("connection opened")
	for {
		w := &worker{
			server: s,
			conn:   conn,
			logger: logger,
		}
		err := w.serve(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, errFinished):
			logger.Debug("transfer finished, closing connection")
		case errors.Is(err, errIdle):
			logger.Debug("connection closed")
		case errors.Is(err, transfer.ErrProtocol):
			logger.Warn("protocol violation", "error", err)
		default:
			logger.Warn("session failed", "error", err)
		}
		return
	}
}

var (
	// errIdle ends a connection that went quiet between sessions.
	errIdle = errors.New("idle")
	// errFinished ends the connection after Done or Abort has been applied.
	// The hang-up is the peer's only confirmation, since neither message
	// has a reply.
	errFinished = errors.New("transfer finished")
)
