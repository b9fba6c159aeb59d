package server

import (
	"context"
	"fmt"

	"github.com/sheerbytes/chunkftp/internal/transfer"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

func (w *worker) download(ctx context.Context, req protocol.DownloadRequest) error {
	name, err := w.open(req.Backend)
	if err != nil {
		return w.send(ctx, protocol.DownloadReply{Result: protocol.ResultOf(err)})
	}
	defer w.release()
	logger := w.logger.With("op", "download", "backend", name, "path", req.Path)

	size, crc, err := w.handle.Download(req.Path, req.MemAddr, req.MemSize, uint32(req.ChunkSize))
	if err != nil {
		logger.Info("download rejected", "error", err)
		return w.send(ctx, protocol.DownloadReply{Result: protocol.ResultOf(err)})
	}
	if err := w.sess.Begin(transfer.StateDownloading, req.Path, size, uint32(req.ChunkSize), crc); err != nil {
		logger.Info("download rejected", "error", err)
		return w.send(ctx, protocol.DownloadReply{Result: protocol.ResultInvalid})
	}
	if err := w.send(ctx, protocol.DownloadReply{Result: protocol.ResultOK, Size: size, CRC32: crc}); err != nil {
		return w.interrupted(err)
	}
	logger.Info("download started", "size", size, "chunk_size", req.ChunkSize, "chunks", w.sess.Chunks)

	buf := transfer.ChunkBuffer(w.sess.ChunkSize)
	defer transfer.ReleaseChunkBuffer(buf)

	for {
		m, err := w.receive(ctx)
		if err != nil {
			return w.interrupted(err)
		}
		switch m := m.(type) {
		case protocol.StatusReply:
			if err := transfer.ValidateStatus(m, w.sess.Chunks); err != nil {
				return fmt.Errorf("%w: %w", transfer.ErrProtocol, err)
			}
			logger.Debug("peer status", "complete", m.Complete, "total", m.Total, "runs", len(m.Runs))
			err := transfer.ExpandRuns(m.Runs, func(i uint32) error {
				n, err := w.sess.ChunkLen(i)
				if err != nil {
					return fmt.Errorf("%w: %w", transfer.ErrProtocol, err)
				}
				if err := w.handle.ReadChunk(i, buf[:n]); err != nil {
					return err
				}
				return w.send(ctx, protocol.Data{Chunk: i, Bytes: buf[:n]})
			})
			if err != nil {
				return w.interrupted(err)
			}
		case protocol.CrcRequest:
			crc, err := w.handle.CRC()
			if err := w.send(ctx, protocol.CrcReply{Result: protocol.ResultOf(err), CRC32: crc}); err != nil {
				return w.interrupted(err)
			}
		case protocol.Done:
			if err := w.handle.Done(); err != nil {
				return fmt.Errorf("finish download %s: %w", req.Path, err)
			}
			logger.Info("download complete", "chunks", w.sess.Chunks)
			return errFinished
		case protocol.Abort:
			if err := w.handle.Abort(); err != nil {
				return fmt.Errorf("abort download %s: %w", req.Path, err)
			}
			logger.Info("download aborted")
			return errFinished
		default:
			return w.unexpected(m)
		}
	}
}
