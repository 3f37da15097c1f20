package compress

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

type GzipCompressor struct {
	level int
}

func NewGzipCompressor() *GzipCompressor {
	return &GzipCompressor{level: gzip.BestCompression}
}

func (c *GzipCompressor) Compress(r io.Reader) io.ReadCloser {
	return pipe(r, func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriterLevel(w, c.level)
	})
}

func (c *GzipCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return gr, nil
}

func (c *GzipCompressor) Extension() string {
	return ".gz"
}
