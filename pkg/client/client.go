// Package client issues read and write requests against a remote TFTP
// server, reusing the session engine with the roles swapped.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	tftpfw "github.com/fwdist/tftpfw"
	"github.com/fwdist/tftpfw/pkg/config"
	"github.com/fwdist/tftpfw/pkg/metrics"
	"github.com/fwdist/tftpfw/pkg/options"
	"github.com/fwdist/tftpfw/pkg/session"
	"github.com/fwdist/tftpfw/pkg/source"
)

// TransferOptions are the values a client offers for negotiation.
// Zero fields are not offered and the RFC defaults apply.
type TransferOptions struct {
	Blksize    int
	Timeout    int
	Windowsize int
	// Tsize requests a size probe on reads and announces the size on
	// writes
	Tsize bool
}

// Client issues transfers against one server endpoint
type Client struct {
	Server     tftpfw.Addr
	Retransmit int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func New(server tftpfw.Addr, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Server:     server,
		Retransmit: config.DefaultRetransmit,
		Logger:     logger.With("service", "[CLNT]"),
	}
}

func (c *Client) buildOptions(request options.RequestType, remote string,
	topt TransferOptions, size int64) *options.Options {

	o := options.New()
	o.Request = request
	o.Filename = remote
	o.Mode = options.ModeOctet
	if topt.Blksize != 0 {
		o.SetBlksize(topt.Blksize)
	}
	if topt.Timeout != 0 {
		o.SetTimeout(topt.Timeout)
	}
	if topt.Windowsize != 0 {
		o.SetWindowsize(topt.Windowsize)
	}
	if topt.Tsize {
		o.SetTsizeOffered(int(size))
	}
	return o
}

// Get reads a remote file (or a content-addressed digest) into dst
func (c *Client) Get(ctx context.Context, remote string, dst io.WriterAt, topt TransferOptions) error {
	opts := c.buildOptions(options.RequestRead, remote, topt, 0)
	src := source.NewStreamWriter(dst)

	sess, err := session.NewClient(c.Server, opts, src, c.Retransmit, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	if err := sess.Run(ctx); err != nil {
		return fmt.Errorf("get %s: %w", remote, err)
	}
	return nil
}

// Put writes size bytes from rd to the remote name
func (c *Client) Put(ctx context.Context, remote string, rd io.ReaderAt, size int64, topt TransferOptions) error {
	opts := c.buildOptions(options.RequestWrite, remote, topt, size)
	src := source.NewStreamReader(rd, size)

	sess, err := session.NewClient(c.Server, opts, src, c.Retransmit, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	if err := sess.Run(ctx); err != nil {
		return fmt.Errorf("put %s: %w", remote, err)
	}
	return nil
}

// GetFile downloads a remote name into a local file
func (c *Client) GetFile(ctx context.Context, remote, local string, topt TransferOptions) error {
	f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Get(ctx, remote, f, topt)
}

// PutFile uploads a local file under the remote name
func (c *Client) PutFile(ctx context.Context, local, remote string, topt TransferOptions) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	return c.Put(ctx, remote, f, fi.Size(), topt)
}
