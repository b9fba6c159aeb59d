package server

import (
	"context"
	"fmt"

	"github.com/sheerbytes/chunkftp/internal/transfer"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

func (w *worker) upload(ctx context.Context, req protocol.UploadRequest) error {
	name, err := w.open(req.Backend)
	if err != nil {
		return w.send(ctx, protocol.UploadReply{Result: protocol.ResultOf(err)})
	}
	defer w.release()
	logger := w.logger.With("op", "upload", "backend", name, "path", req.Path)

	if err := w.sess.Begin(transfer.StateUploading, req.Path, req.Size, uint32(req.ChunkSize), req.CRC32); err != nil {
		logger.Info("upload rejected", "error", err)
		return w.send(ctx, protocol.UploadReply{Result: protocol.ResultInvalid})
	}
	if err := w.handle.Upload(req.Path, req.MemHint, req.Size, uint32(req.ChunkSize)); err != nil {
		logger.Info("upload rejected", "error", err)
		return w.send(ctx, protocol.UploadReply{Result: protocol.ResultOf(err)})
	}
	if err := w.send(ctx, protocol.UploadReply{Result: protocol.ResultOK}); err != nil {
		return w.interrupted(err)
	}
	logger.Info("upload started", "size", req.Size, "chunk_size", req.ChunkSize, "chunks", w.sess.Chunks)

	for {
		m, err := w.receive(ctx)
		if err != nil {
			return w.interrupted(err)
		}
		switch m := m.(type) {
		case protocol.Data:
			if err := w.sess.CheckData(m); err != nil {
				return fmt.Errorf("%w: %w", transfer.ErrProtocol, err)
			}
			if w.handle.StatusGet(m.Chunk) {
				continue
			}
			if err := w.handle.WriteChunk(m.Chunk, m.Bytes); err != nil {
				return err
			}
			if err := w.handle.StatusSet(m.Chunk); err != nil {
				return err
			}
		case protocol.StatusRequest:
			sum := transfer.Status(w.sess.Chunks, protocol.StatusChunks, w.handle.StatusGet)
			logger.Debug("status", "complete", sum.Complete, "total", sum.Total, "runs", len(sum.Runs))
			if err := w.send(ctx, sum.Reply()); err != nil {
				return w.interrupted(err)
			}
		case protocol.CrcRequest:
			crc, err := w.handle.CRC()
			if err := w.send(ctx, protocol.CrcReply{Result: protocol.ResultOf(err), CRC32: crc}); err != nil {
				return w.interrupted(err)
			}
		case protocol.Done:
			if err := w.handle.Done(); err != nil {
				return fmt.Errorf("finish upload %s: %w", req.Path, err)
			}
			logger.Info("upload complete", "chunks", w.sess.Chunks)
			return errFinished
		case protocol.Abort:
			if err := w.handle.Abort(); err != nil {
				return fmt.Errorf("abort upload %s: %w", req.Path, err)
			}
			logger.Info("upload aborted")
			return errFinished
		default:
			return w.unexpected(m)
		}
	}
}
