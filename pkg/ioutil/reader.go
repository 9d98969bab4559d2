package ioutil

import (
	"errors"
	"io"
)

var (
	// ErrTruncated is returned when a sized stream ends early.
	ErrTruncated = errors.New("ioutil: stream shorter than announced")
	// ErrOversized is returned when a sized stream carries extra bytes.
	ErrOversized = errors.New("ioutil: stream longer than announced")
)

type chunkReader struct {
	r     io.Reader
	chunk int
}

// NewChunkReader returns a reader whose Read calls pass at most chunk
// bytes of p to r.
func NewChunkReader(r io.Reader, chunk int) io.Reader {
	return &chunkReader{r: r, chunk: chunk}
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.chunk {
		p = p[:c.chunk:c.chunk]
	}
	return c.r.Read(p)
}

type sizedReadCloser struct {
	r    io.Reader
	c    io.Closer
	size int64
	n    int64
}

// NewSizedReadCloser reads from r, which must yield exactly size bytes.
// Reading past size fails with ErrOversized, reaching EOF early fails
// with ErrTruncated. Close closes c and reports ErrTruncated if the
// stream was not read to its full size.
func NewSizedReadCloser(r io.Reader, c io.Closer, size int64) io.ReadCloser {
	return &sizedReadCloser{r: r, c: c, size: size}
}

func (s *sizedReadCloser) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	switch {
	case s.n > s.size:
		return 0, ErrOversized
	case err == io.EOF && s.n < s.size:
		return n, ErrTruncated
	}
	return n, err
}

func (s *sizedReadCloser) Close() error {
	if err := s.c.Close(); err != nil {
		return err
	}
	if s.n < s.size {
		return ErrTruncated
	}
	return nil
}
