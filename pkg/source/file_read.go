package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	tftpfw "github.com/fwdist/tftpfw"
)

// FileReader serves a read request from a resolved filesystem path
type FileReader struct {
	resolver *Resolver
	name     string
	logger   *slog.Logger
	setErr   ErrorFunc

	f    *os.File
	size int64
}

// NewFileReader builds the read source for a request name. Resolution
// happens at Open.
func NewFileReader(resolver *Resolver, name string, logger *slog.Logger, setErr ErrorFunc) *FileReader {
	if logger == nil {
		logger = slog.Default()
	}
	if setErr == nil {
		setErr = func(tftpfw.ErrCode, string) {}
	}
	return &FileReader{resolver: resolver, name: name, logger: logger, setErr: setErr}
}

func (r *FileReader) Open(_ context.Context) error {
	path, err := r.resolver.Resolve(r.name)
	if err != nil {
		r.logger.Error("file not found", "filename", r.name)
		r.setErr(tftpfw.ErrCodeFileNotFound, "File not found")
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		r.logger.Error("opening payload failed", "path", path, "err", err)
		r.setErr(tftpfw.ErrCodeUndefined, err.Error())
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		r.setErr(tftpfw.ErrCodeUndefined, err.Error())
		return err
	}
	r.f = f
	r.size = fi.Size()
	r.logger.Info("serving file", "filename", r.name, "path", path, "size", r.size)
	return nil
}

func (r *FileReader) ReadAt(p []byte, off int64) (int, error) {
	if r.f == nil {
		r.setErr(tftpfw.ErrCodeUndefined, "Server read stream not opened")
		return 0, ErrNotOpen
	}
	if off >= r.size {
		return 0, nil
	}
	n, err := r.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		r.logger.Error("read failed", "offset", off, "err", err)
		r.setErr(tftpfw.ErrCodeUndefined, fmt.Sprintf("Read failed: %v", err))
		return n, err
	}
	return n, nil
}

func (r *FileReader) WriteAt([]byte, int64) (int, error) {
	return 0, ErrReadOnly
}

func (r *FileReader) Size() int64 {
	return r.size
}

// Cancel on a reader releases the handle; there is nothing to undo
func (r *FileReader) Cancel() {
	r.Close()
}

func (r *FileReader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
