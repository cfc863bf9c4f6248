package transfer

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Format selects the compression applied while streaming an archive to disk.
type Format string

const (
	FormatNone Format = "none"
	FormatGzip Format = "gzip"
	FormatZstd Format = "zstd"
)

// ParseFormat validates a user supplied compression format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatNone, FormatGzip, FormatZstd:
		return Format(s), nil
	case "":
		return FormatNone, nil
	default:
		return "", fmt.Errorf("unknown compression format %q (expected none, gzip or zstd)", s)
	}
}

// Extension returns the file name suffix appended to the tar archive.
func (f Format) Extension() string {
	switch f {
	case FormatGzip:
		return ".gz"
	case FormatZstd:
		return ".zst"
	default:
		return ""
	}
}

// newCompressor wraps w in a streaming compressor for the format. The caller
// must Close the returned writer to flush trailing blocks; closing does not
// close w.
func newCompressor(f Format, w io.Writer) (io.WriteCloser, error) {
	switch f {
	case FormatGzip:
		// pgzip compresses blocks on all cores, which matters on the large
		// database volumes this tool typically moves.
		return pgzip.NewWriter(w), nil
	case FormatZstd:
		return zstd.NewWriter(w)
	case FormatNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unknown compression format %q", f)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
