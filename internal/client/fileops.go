package client

import (
	"context"

	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// List returns the entries of path on a remote backend.
func (c *Client) List(ctx context.Context, backendID uint8, path string) ([]protocol.ListEntry, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer cn.Close()

	if err := cn.send(ctx, protocol.ListRequest{Backend: backendID, Path: path}); err != nil {
		return nil, err
	}
	rep, err := expect[protocol.ListReply](ctx, cn)
	if err != nil {
		return nil, err
	}
	if err := checkRemote("list", rep.Result); err != nil {
		return nil, err
	}
	entries := make([]protocol.ListEntry, 0, rep.Entries)
	for len(entries) < int(rep.Entries) {
		e, err := expect[protocol.ListEntry](ctx, cn)
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Move renames an artifact on a remote backend.
func (c *Client) Move(ctx context.Context, backendID uint8, from, to string) error {
	cn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cn.Close()

	if err := cn.send(ctx, protocol.MoveRequest{Backend: backendID, From: from, To: to}); err != nil {
		return err
	}
	rep, err := expect[protocol.MoveReply](ctx, cn)
	if err != nil {
		return err
	}
	return checkRemote("move", rep.Result)
}

// Remove deletes an artifact on a remote backend.
func (c *Client) Remove(ctx context.Context, backendID uint8, path string) error {
	cn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cn.Close()

	if err := cn.send(ctx, protocol.RemoveRequest{Backend: backendID, Path: path}); err != nil {
		return err
	}
	rep, err := expect[protocol.RemoveReply](ctx, cn)
	if err != nil {
		return err
	}
	return checkRemote("remove", rep.Result)
}
