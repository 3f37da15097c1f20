package compress

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor transforms a stream. Compress never blocks; the returned reader
// yields the encoded bytes and reports any encoder error on Read.
type Compressor interface {
	Compress(r io.Reader) io.ReadCloser
	Decompress(r io.Reader) (io.ReadCloser, error)
	Extension() string
}

type ZstdCompressor struct {
	level zstd.EncoderLevel
}

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{level: zstd.SpeedBetterCompression}
}

func (c *ZstdCompressor) Compress(r io.Reader) io.ReadCloser {
	return pipe(r, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
	})
}

func (c *ZstdCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}

func (c *ZstdCompressor) Extension() string {
	return ".zst"
}

type LZ4Compressor struct {
	level lz4.CompressionLevel
}

func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{level: lz4.Level9}
}

func (c *LZ4Compressor) Compress(r io.Reader) io.ReadCloser {
	return pipe(r, func(w io.Writer) (io.WriteCloser, error) {
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
			return nil, err
		}
		return lw, nil
	})
}

func (c *LZ4Compressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (c *LZ4Compressor) Extension() string {
	return ".lz4"
}

// pipe runs an encoder over r in its own goroutine.
func pipe(r io.Reader, newWriter func(io.Writer) (io.WriteCloser, error)) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		cw, err := newWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}

		// lz4.Writer.ReadFrom treats io.ErrUnexpectedEOF as end of input.
		_, err = io.Copy(struct{ io.Writer }{cw}, r)
		if err != nil {
			cw.Close()
			pw.CloseWithError(err)
			return
		}

		if err := cw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}

		pw.Close()
	}()

	return pr
}
