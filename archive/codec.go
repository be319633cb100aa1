package archive

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses segments on their way into an archive Store and
// decompresses them on the way out. The codec's extension is appended to the
// archived object name, so mixed-codec archives stay readable.
type Codec interface {
	// Ext is the file extension including the dot, or "" for no
	// compression.
	Ext() string

	// Compress wraps w; the returned writer must be closed to flush.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps r.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// NoCodec stores segments uncompressed.
type NoCodec struct{}

func (NoCodec) Ext() string { return "" }

func (NoCodec) Compress(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (NoCodec) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ZstdCodec compresses with zstd. Good ratio at low CPU cost; the default
// for archived segments.
type ZstdCodec struct{}

func (ZstdCodec) Ext() string { return ".zst" }

func (ZstdCodec) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (ZstdCodec) Decompress(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

// LZ4Codec compresses with lz4. Lower ratio than zstd but faster, for
// archives on fast local disks.
type LZ4Codec struct{}

func (LZ4Codec) Ext() string { return ".lz4" }

func (LZ4Codec) Compress(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (LZ4Codec) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
