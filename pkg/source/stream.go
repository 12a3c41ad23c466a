package source

import (
	"context"
	"io"
)

// StreamReader adapts an io.ReaderAt with a known size for the client
// role (a local file handed to Put).
type StreamReader struct {
	ra   io.ReaderAt
	size int64
}

func NewStreamReader(ra io.ReaderAt, size int64) *StreamReader {
	return &StreamReader{ra: ra, size: size}
}

func (s *StreamReader) Open(context.Context) error { return nil }

func (s *StreamReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, nil
	}
	n, err := s.ra.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (s *StreamReader) WriteAt([]byte, int64) (int, error) { return 0, ErrReadOnly }
func (s *StreamReader) Size() int64                        { return s.size }
func (s *StreamReader) Cancel()                            {}
func (s *StreamReader) Close() error                       { return nil }

// StreamWriter adapts an io.WriterAt for the client role (a local
// file handed to Get).
type StreamWriter struct {
	wa io.WriterAt
}

func NewStreamWriter(wa io.WriterAt) *StreamWriter {
	return &StreamWriter{wa: wa}
}

func (s *StreamWriter) Open(context.Context) error        { return nil }
func (s *StreamWriter) ReadAt([]byte, int64) (int, error) { return 0, ErrWriteOnly }

func (s *StreamWriter) WriteAt(p []byte, off int64) (int, error) {
	return s.wa.WriteAt(p, off)
}

func (s *StreamWriter) Size() int64  { return 0 }
func (s *StreamWriter) Cancel()      {}
func (s *StreamWriter) Close() error { return nil }
