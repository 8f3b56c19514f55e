package recorder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/frame"
)

// Compression selects the stream compressor
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

// String returns the name accepted by ParseCompression
func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "None"
	}
}

// ParseCompression parses "None", "zstd" or "lz4". Empty means None.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, errors.Errorf(errors.ErrInvalidConfig, "unknown compression algorithm %q", s)
	}
}

type compressor interface {
	io.WriteCloser
	Flush() error
}

// Writer streams msgpack-encoded frames to a file through a buffered,
// optionally compressed stream.
type Writer struct {
	path string
	file *os.File
	buf  *bufio.Writer
	comp compressor
	out  io.Writer

	mu     sync.Mutex
	frames int64
	bytes  int64
	closed bool
}

// Create truncates path and opens a writer on it
func Create(path string, bufferSize int, compression Compression) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", errors.ErrResource, path, err)
	}
	if bufferSize <= 0 {
		bufferSize = DefaultStreamBufferSize
	}

	w := &Writer{path: path, file: file, buf: bufio.NewWriterSize(file, bufferSize)}
	switch compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w.buf)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: zstd encoder: %w", errors.ErrResource, err)
		}
		w.comp = enc
	case CompressionLZ4:
		w.comp = lz4.NewWriter(w.buf)
	}

	w.out = w.buf
	if w.comp != nil {
		w.out = w.comp
	}
	return w, nil
}

// Path returns the output file path
func (w *Writer) Path() string {
	return w.path
}

// Write appends one frame
func (w *Writer) Write(f frame.Frame) error {
	data, err := msgpack.Marshal(&f)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %w", errors.ErrRuntimeIO, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("%w: write %s: %w", errors.ErrRuntimeIO, w.path, os.ErrClosed)
	}
	if _, err := w.out.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %w", errors.ErrRuntimeIO, w.path, err)
	}
	w.frames++
	w.bytes += int64(len(data))
	return nil
}

// Flush pushes buffered data to the file
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.comp != nil {
		if err := w.comp.Flush(); err != nil {
			return fmt.Errorf("%w: flush %s: %w", errors.ErrRuntimeIO, w.path, err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("%w: flush %s: %w", errors.ErrRuntimeIO, w.path, err)
	}
	return nil
}

// Frames returns the number of frames written
func (w *Writer) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Bytes returns the uncompressed bytes written
func (w *Writer) Bytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}

// Close finishes the compressed stream, flushes and closes the file. Close
// is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: close %s: %w", errors.ErrRuntimeIO, w.path, errors.Join(errs...))
	}
	return nil
}

// Reader decodes a file produced by Writer
type Reader struct {
	file  *os.File
	dec   *msgpack.Decoder
	close func()
}

// Open opens path for reading with the compression it was written with
func Open(path string, compression Compression) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", errors.ErrResource, path, err)
	}

	r := &Reader{file: file, close: func() {}}
	var in io.Reader = bufio.NewReader(file)
	switch compression {
	case CompressionZstd:
		dec, err := zstd.NewReader(in)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: zstd decoder: %w", errors.ErrResource, err)
		}
		r.close = dec.Close
		in = dec
	case CompressionLZ4:
		in = lz4.NewReader(in)
	}
	r.dec = msgpack.NewDecoder(in)
	return r, nil
}

// Next returns the next frame, or io.EOF at the end of the file
func (r *Reader) Next() (frame.Frame, error) {
	var f frame.Frame
	err := r.dec.Decode(&f)
	return f, err
}

// Close releases the decoder and the file
func (r *Reader) Close() error {
	r.close()
	return r.file.Close()
}
