package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sheerbytes/chunkftp/internal/backend"
	"github.com/sheerbytes/chunkftp/internal/transfer"
	"github.com/sheerbytes/chunkftp/internal/transport"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// worker serves one session.
type worker struct {
	server *Server
	conn   transport.Conn
	logger *slog.Logger

	sess   transfer.Session
	handle backend.Handle
	out    []byte
}

func (w *worker) receive(ctx context.Context) (protocol.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, w.server.readTimeout)
	defer cancel()
	b, err := w.conn.Receive(rctx)
	if err != nil {
		return nil, err
	}
	m, err := protocol.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transfer.ErrProtocol, err)
	}
	return m, nil
}

func (w *worker) send(ctx context.Context, m protocol.Message) error {
	var err error
	w.out, err = protocol.AppendMessage(w.out[:0], m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	sctx, cancel := context.WithTimeout(ctx, w.server.readTimeout)
	defer cancel()
	return w.conn.Send(sctx, w.out)
}

// serve waits for a request and runs the session it opens. It returns nil
// when the session ended cleanly and the connection may carry another.
func (w *worker) serve(ctx context.Context) error {
	m, err := w.receive(ctx)
	if err != nil {
		if errors.Is(err, transfer.ErrProtocol) {
			return err
		}
		return fmt.Errorf("%w: %w", errIdle, err)
	}
	defer w.sess.Close()

	switch m := m.(type) {
	case protocol.UploadRequest:
		return w.upload(ctx, m)
	case protocol.DownloadRequest:
		return w.download(ctx, m)
	case protocol.ListRequest:
		return w.list(ctx, m)
	case protocol.MoveRequest:
		return w.move(ctx, m)
	case protocol.RemoveRequest:
		return w.remove(ctx, m)
	default:
		return w.unexpected(m)
	}
}

// unexpected ends the session without a reply.
func (w *worker) unexpected(m protocol.Message) error {
	return fmt.Errorf("%w: %s while %s", transfer.ErrProtocol, m.Type(), w.sess.State())
}

// open binds the session to a fresh handle on backend id.
func (w *worker) open(id uint8) (string, error) {
	b, err := w.server.registry.Lookup(id)
	if err != nil {
		return "", err
	}
	h, err := b.Open()
	if err != nil {
		return "", fmt.Errorf("open backend %s: %w", b.Name(), err)
	}
	w.handle = h
	return b.Name(), nil
}

func (w *worker) release() {
	if w.handle == nil {
		return
	}
	if err := w.handle.Release(); err != nil {
		w.logger.Warn("release backend handle", "error", err)
	}
	w.handle = nil
}

// interrupted handles a receive failure mid-transfer. Anything but a
// protocol violation is treated as the link going away, and the backend
// keeps what it has for a resume.
func (w *worker) interrupted(err error) error {
	if errors.Is(err, transfer.ErrProtocol) {
		return err
	}
	if terr := w.handle.Timeout(); terr != nil {
		w.logger.Warn("backend timeout", "error", terr)
	}
	w.logger.Info("session interrupted", "path", w.sess.Path, "state", w.sess.State(), "error", err)
	return fmt.Errorf("%s %s: %w", w.sess.State(), w.sess.Path, err)
}
