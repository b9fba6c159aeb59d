package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheerbytes/chunkftp/internal/transfer"
	"github.com/sheerbytes/chunkftp/internal/transport"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// Upload sends the local artifact at localPath to dst. Chunks the server
// already holds from an earlier attempt are not sent again.
func (c *Client) Upload(ctx context.Context, localPath string, dst Remote) error {
	if err := c.checkChunkSize(); err != nil {
		return err
	}
	lh, err := c.local.Open()
	if err != nil {
		return fmt.Errorf("open local backend: %w", err)
	}
	defer lh.Release()

	size, crc, err := lh.Download(localPath, 0, 0, c.chunkSize)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	var sess transfer.Session
	if err := sess.Begin(transfer.StateUploading, dst.Path, size, c.chunkSize, crc); err != nil {
		return err
	}
	defer sess.Close()
	logger := c.logger.With("op", "upload", "local", localPath, "remote", dst.Path, "backend", dst.Backend)

	cn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cn.Close()

	req := protocol.UploadRequest{
		ChunkSize: uint16(c.chunkSize),
		Size:      size,
		CRC32:     crc,
		MemHint:   dst.MemAddr,
		Backend:   dst.Backend,
		Path:      dst.Path,
	}
	if err := cn.send(ctx, req); err != nil {
		return err
	}
	rep, err := expect[protocol.UploadReply](ctx, cn)
	if err != nil {
		return err
	}
	if err := checkRemote("upload", rep.Result); err != nil {
		return err
	}
	logger.Debug("upload accepted", "size", size, "chunks", sess.Chunks, "crc", crc)

	c.meter.Start(size, c.chunkSize)
	buf := transfer.ChunkBuffer(c.chunkSize)
	defer transfer.ReleaseChunkBuffer(buf)

	first := true
	var complete uint32
	stalls := 0
	for {
		if err := cn.send(ctx, protocol.StatusRequest{}); err != nil {
			return err
		}
		st, err := expect[protocol.StatusReply](ctx, cn)
		if err != nil {
			return err
		}
		if err := checkRemote("status", st.Result); err != nil {
			return err
		}
		if err := transfer.ValidateStatus(st, sess.Chunks); err != nil {
			return fmt.Errorf("%w: %w", ErrBadReply, err)
		}

		switch {
		case first:
			c.meter.Advance(int(st.Complete))
			first = false
		case st.Complete > complete:
			c.meter.Add(int(st.Complete - complete))
			stalls = 0
		default:
			stalls++
			if stalls >= c.maxStalls {
				return fmt.Errorf("upload %s: %w after %d rounds at %d/%d", dst.Path, ErrStalled, stalls, st.Complete, st.Total)
			}
		}
		complete = st.Complete
		if st.Complete == st.Total {
			break
		}

		logger.Debug("sending missing chunks", "complete", st.Complete, "total", st.Total, "runs", len(st.Runs))
		err = transfer.ExpandRuns(st.Runs, func(i uint32) error {
			n, err := sess.ChunkLen(i)
			if err != nil {
				return err
			}
			if err := lh.ReadChunk(i, buf[:n]); err != nil {
				return err
			}
			return cn.send(ctx, protocol.Data{Chunk: i, Bytes: buf[:n]})
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", dst.Path, err)
		}
	}

	if err := cn.send(ctx, protocol.CrcRequest{}); err != nil {
		return err
	}
	cr, err := expect[protocol.CrcReply](ctx, cn)
	if err != nil {
		return err
	}
	if err := checkRemote("crc", cr.Result); err != nil {
		return err
	}
	if cr.CRC32 != crc {
		logger.Warn("crc mismatch, discarding remote artifact", "local", crc, "remote", cr.CRC32)
		return errors.Join(
			fmt.Errorf("upload %s: %w: local %08x, remote %08x", dst.Path, ErrCRCMismatch, crc, cr.CRC32),
			cn.finish(ctx, protocol.Abort{}),
		)
	}
	if err := cn.finish(ctx, protocol.Done{}); err != nil {
		if !transport.IsTimeout(err) {
			return err
		}
		logger.Warn("server did not confirm completion", "error", err)
	}
	logger.Info("upload complete", "size", size, "chunks", sess.Chunks)
	return nil
}

func (c *Client) checkChunkSize() error {
	if c.chunkSize == 0 || c.chunkSize > protocol.MaxChunkSize {
		return fmt.Errorf("chunk size %d: %w", c.chunkSize, transfer.ErrChunkSize)
	}
	return nil
}
