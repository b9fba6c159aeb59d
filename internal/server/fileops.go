package server

import (
	"context"
	"errors"
	"io"
	"math"

	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// list replies with the entry count and then streams one ListEntry per
// entry without waiting for the peer.
func (w *worker) list(ctx context.Context, req protocol.ListRequest) error {
	name, err := w.open(req.Backend)
	if err != nil {
		return w.send(ctx, protocol.ListReply{Result: protocol.ResultOf(err)})
	}
	defer w.release()
	logger := w.logger.With("op", "list", "backend", name, "path", req.Path)

	n, err := w.handle.List(req.Path)
	if err != nil {
		logger.Info("list rejected", "error", err)
		return w.send(ctx, protocol.ListReply{Result: protocol.ResultOf(err)})
	}
	n = min(n, math.MaxUint16)
	if err := w.send(ctx, protocol.ListReply{Result: protocol.ResultOK, Entries: uint16(n)}); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		e, err := w.handle.Entry()
		if errors.Is(err, io.EOF) {
			// The directory shrank under us; the peer times out waiting.
			logger.Warn("listing ended early", "sent", i, "announced", n)
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.send(ctx, protocol.ListEntry{Index: uint16(i), Kind: e.Kind, Size: e.Size, Path: e.Name}); err != nil {
			return err
		}
	}
	logger.Debug("list complete", "entries", n)
	return nil
}

func (w *worker) move(ctx context.Context, req protocol.MoveRequest) error {
	name, err := w.open(req.Backend)
	if err == nil {
		defer w.release()
		err = w.handle.Move(req.From, req.To)
	}
	w.logger.Info("move", "backend", name, "from", req.From, "to", req.To, "result", protocol.ResultOf(err))
	return w.send(ctx, protocol.MoveReply{Result: protocol.ResultOf(err)})
}

func (w *worker) remove(ctx context.Context, req protocol.RemoveRequest) error {
	name, err := w.open(req.Backend)
	if err == nil {
		defer w.release()
		err = w.handle.Remove(req.Path)
	}
	w.logger.Info("remove", "backend", name, "path", req.Path, "result", protocol.ResultOf(err))
	return w.send(ctx, protocol.RemoveReply{Result: protocol.ResultOf(err)})
}
