// Package source provides the data backends a session transfers
// against : a resolved file for reads (including content-addressed
// lookup through *.md5 sidecars), an attribute-tagged new file for
// writes, and plain stream adapters for the client role.
package source

import (
	"context"
	"errors"

	tftpfw "github.com/fwdist/tftpfw"
)

var (
	// ErrNotFound means no payload could be resolved for a read request
	ErrNotFound = errors.New("file not found")
	// ErrExists means a write request targets an existing file
	ErrExists = errors.New("file already exists")
	// ErrNotOpen means an I/O call reached a source before Open or
	// after Close
	ErrNotOpen = errors.New("source not open")
	// ErrReadOnly is returned by WriteAt on a read source
	ErrReadOnly = errors.New("source is read-only")
	// ErrWriteOnly is returned by ReadAt on a write source
	ErrWriteOnly = errors.New("source is write-only")
)

// ErrorFunc reports an I/O failure into the owning session's sticky
// error slot (first write wins).
type ErrorFunc func(code tftpfw.ErrCode, msg string)

// A Source is the data backend of exactly one session. The session
// owns it : Open before the first transfer packet, Close on clean
// finish, Cancel when the transfer failed.
type Source interface {
	// Open resolves and acquires the backing object
	Open(ctx context.Context) error
	// ReadAt fills p from the payload at off. It returns the byte
	// count, 0 at or past end of file. Short counts at the tail are
	// not errors.
	ReadAt(p []byte, off int64) (int, error)
	// WriteAt stores p at off, seeking as needed so out-of-order
	// writes cannot corrupt the file
	WriteAt(p []byte, off int64) (int, error)
	// Size is the payload size when known, else 0
	Size() int64
	// Cancel aborts the transfer and discards partial results
	Cancel()
	// Close releases the backing object and finalizes attributes
	Close() error
}
