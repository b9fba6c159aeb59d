package client

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

// Download fetches src into the local artifact at localPath. A partial
// artifact left by an interrupted download is resumed.
func (c *Client) Download(ctx context.Context, src Remote, localPath string) error {
	if err := c.checkChunkSize(); err != nil {
		return err
	}
	logger := c.logger.With("op", "download", "local", localPath, "remote", src.Path, "backend", src.Backend)

	cn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cn.Close()

	req := protocol.DownloadRequest{
		ChunkSize: uint16(c.chunkSize),
		MemAddr:   src.MemAddr,
		MemSize:   src.MemSize,
		Backend:   src.Backend,
		Path:      src.Path,
	}
	if err := cn.send(ctx, req); err != nil {
		return err
	}
	rep, err := expect[protocol.DownloadReply](ctx, cn)
	if err != nil {
		return err
	}
	if err := checkRemote("download", rep.Result); err != nil {
		return err
	}

	var sess transfer.Session
	if err := sess.Begin(transfer.StateDownloading, localPath, rep.Size, c.chunkSize, rep.CRC32); err != nil {
		return err
	}
	defer sess.Close()

	lh, err := c.local.Open()
	if err != nil {
		return fmt.Errorf("open local backend: %w", err)
	}
	defer lh.Release()
	if err := lh.Upload(localPath, 0, rep.Size, c.chunkSize); err != nil {
		return fmt.Errorf("prepare %s: %w", localPath, err)
	}

	d := &downloader{c: c, cn: cn, sess: &sess, local: lh}
	if err := d.run(ctx); err != nil {
		// Whatever landed stays for the next attempt.
		return errors.Join(fmt.Errorf("download %s: %w", src.Path, err), keepPartial(lh, logger))
	}

	crc, err := lh.CRC()
	if err != nil {
		return errors.Join(fmt.Errorf("checksum %s: %w", localPath, err), keepPartial(lh, logger))
	}
	if crc != rep.CRC32 {
		logger.Warn("crc mismatch, discarding local artifact", "local", crc, "remote", rep.CRC32)
		return errors.Join(
			fmt.Errorf("download %s: %w: local %08x, remote %08x", src.Path, ErrCRCMismatch, crc, rep.CRC32),
			lh.Abort(),
			cn.finish(ctx, protocol.Abort{}),
		)
	}
	if err := lh.Done(); err != nil {
		return fmt.Errorf("finish %s: %w", localPath, err)
	}
	if err := cn.finish(ctx, protocol.Done{}); err != nil {
		if !transport.IsTimeout(err) {
			return err
		}
		logger.Warn("server did not confirm completion", "error", err)
	}
	logger.Info("download complete", "size", rep.Size, "chunks", sess.Chunks)
	return nil
}

// keepPartial closes the local artifact without deleting it.
func keepPartial(lh backend.Handle, logger *slog.Logger) error {
	if err := lh.Timeout(); err != nil {
		logger.Warn("close partial download", "error", err)
		return fmt.Errorf("close partial download: %w", err)
	}
	return nil
}

type downloader struct {
	c     *Client
	cn    *conn
	sess  *transfer.Session
	local backend.Handle
}

// run repeats status rounds until every chunk is complete. Each round
// reports the missing runs and collects the chunks the server sends back;
// a receive timeout ends the round early.
func (d *downloader) run(ctx context.Context) error {
	chunks := d.sess.Chunks
	d.c.meter.Start(d.sess.Size, d.sess.ChunkSize)
	first := true
	stalls := 0

	for {
		sum := transfer.Status(chunks, protocol.StatusChunks, d.local.StatusGet)
		if first {
			d.c.meter.Advance(int(sum.Complete))
			first = false
		}
		if err := d.cn.send(ctx, sum.Reply()); err != nil {
			return err
		}
		if sum.Complete == sum.Total {
			return nil
		}

		var want int
		for _, r := range sum.Runs {
			want += int(r.Count)
		}
		got, err := d.round(ctx, want)
		if err != nil {
			return err
		}
		if got > 0 {
			stalls = 0
			continue
		}
		stalls++
		if stalls >= d.c.maxStalls {
			return fmt.Errorf("%w after %d rounds at %d/%d", ErrStalled, stalls, sum.Complete, sum.Total)
		}
	}
}

// round receives up to want Data messages and returns how many chunks
// became complete.
func (d *downloader) round(ctx context.Context, want int) (int, error) {
	var got int
	for seen := 0; seen < want; seen++ {
		m, err := d.cn.receive(ctx)
		if transport.IsTimeout(err) {
			return got, nil
		}
		if err != nil {
			return got, err
		}
		data, ok := m.(protocol.Data)
		if !ok {
			return got, fmt.Errorf("%w: got %s during download", ErrBadReply, m.Type())
		}
		if err := d.sess.CheckData(data); err != nil {
			return got, fmt.Errorf("%w: %w", ErrBadReply, err)
		}
		if d.local.StatusGet(data.Chunk) {
			continue
		}
		if err := d.local.WriteChunk(data.Chunk, data.Bytes); err != nil {
			return got, err
		}
		if err := d.local.StatusSet(data.Chunk); err != nil {
			return got, err
		}
		d.c.meter.Add(1)
		got++
	}
	return got, nil
}
