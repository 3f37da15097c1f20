package compress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

// Archiver packages a finished script file. ArchiveFile replaces the plain
// script with the archive and returns the archive's path.
type Archiver interface {
	ArchiveFile(path string) (string, error)
	Open(path string) (io.ReadCloser, error)
	Extension() string
}

// NewArchiver returns the archiver for a configured format. "none" yields nil.
func NewArchiver(format string) (Archiver, error) {
	switch strings.ToLower(format) {
	case "", "none":
		return nil, nil
	case "zip":
		return &ZipArchiver{}, nil
	case "gzip":
		return &StreamArchiver{Compressor: NewGzipCompressor()}, nil
	case "zstd":
		return &StreamArchiver{Compressor: NewZstdCompressor()}, nil
	case "lz4":
		return &StreamArchiver{Compressor: NewLZ4Compressor()}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", errors.ErrArchive, format)
	}
}

// OpenArtifact opens a script for reading, decoding it according to its file
// extension. Plain scripts are returned as is.
func OpenArtifact(path string) (io.ReadCloser, error) {
	var archiver Archiver
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		archiver = &ZipArchiver{}
	case ".gz":
		archiver = &StreamArchiver{Compressor: NewGzipCompressor()}
	case ".zst":
		archiver = &StreamArchiver{Compressor: NewZstdCompressor()}
	case ".lz4":
		archiver = &StreamArchiver{Compressor: NewLZ4Compressor()}
	default:
		return os.Open(path)
	}
	return archiver.Open(path)
}

// StreamArchiver writes a single compressed stream next to the script.
type StreamArchiver struct {
	Compressor Compressor
}

func (a *StreamArchiver) ArchiveFile(path string) (string, error) {
	dest := path + a.Compressor.Extension()

	src, err := os.Open(path)
	if err != nil {
		return "", archiveError(path, err)
	}
	defer src.Close()

	compressed := a.Compressor.Compress(src)
	defer compressed.Close()

	if err := writeArchive(dest, func(w io.Writer) error {
		_, err := io.Copy(w, compressed)
		return err
	}); err != nil {
		return "", archiveError(path, err)
	}

	src.Close()
	if err := os.Remove(path); err != nil {
		return "", archiveError(path, err)
	}
	return dest, nil
}

func (a *StreamArchiver) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := a.Compressor.Decompress(f)
	if err != nil {
		f.Close()
		return nil, archiveError(path, err)
	}
	return &multiCloser{Reader: r, closers: []io.Closer{r, f}}, nil
}

func (a *StreamArchiver) Extension() string {
	return a.Compressor.Extension()
}

// ZipArchiver stores the script as the single entry of a zip file.
type ZipArchiver struct{}

func (a *ZipArchiver) ArchiveFile(path string) (string, error) {
	dest := strings.TrimSuffix(path, filepath.Ext(path)) + a.Extension()

	src, err := os.Open(path)
	if err != nil {
		return "", archiveError(path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", archiveError(path, err)
	}

	if err := writeArchive(dest, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Method = zip.Deflate
		entry, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		if _, err := io.Copy(entry, src); err != nil {
			return err
		}
		return zw.Close()
	}); err != nil {
		return "", archiveError(path, err)
	}

	src.Close()
	if err := os.Remove(path); err != nil {
		return "", archiveError(path, err)
	}
	return dest, nil
}

// Open returns the first .sql entry of the archive, or the first entry if
// none ends in .sql.
func (a *ZipArchiver) Open(path string) (io.ReadCloser, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, archiveError(path, err)
	}
	if len(zr.File) == 0 {
		zr.Close()
		return nil, archiveError(path, fmt.Errorf("archive is empty"))
	}

	entry := zr.File[0]
	for _, f := range zr.File {
		if strings.EqualFold(filepath.Ext(f.Name), ".sql") {
			entry = f
			break
		}
	}

	rc, err := entry.Open()
	if err != nil {
		zr.Close()
		return nil, archiveError(path, err)
	}
	return &multiCloser{Reader: rc, closers: []io.Closer{rc, zr}}, nil
}

func (a *ZipArchiver) Extension() string {
	return ".zip"
}

// writeArchive creates dest and removes it again if fill fails.
func writeArchive(dest string, fill func(w io.Writer) error) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

func archiveError(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", errors.ErrArchive, filepath.Base(path), err)
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
