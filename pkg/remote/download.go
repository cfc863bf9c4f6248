package remote

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/sftp"
)

// Download copies a remote file into dst via SFTP, returning the number of
// bytes written. The copy checks for cancellation between chunks.
func (c *Client) Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error) {
	sftpClient, err := sftp.NewClient(c.conn)
	if err != nil {
		return 0, fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer func() { _ = sftpClient.Close() }()

	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer f.Close()

	return copyWithContext(ctx, dst, f)
}

// copyWithContext behaves like io.Copy but aborts between chunks when the
// context is cancelled, so an interrupted run does not hang on a large
// archive transfer.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			w, writeErr := dst.Write(buf[:n])
			written += int64(w)
			if writeErr != nil {
				return written, writeErr
			}
			if w < n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// DryDownloader is a Downloader that moves no data. It satisfies the transfer
// pipeline during dry runs.
type DryDownloader struct{}

func (DryDownloader) Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error) {
	return 0, nil
}
