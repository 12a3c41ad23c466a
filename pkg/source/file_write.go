package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	tftpfw "github.com/fwdist/tftpfw"
	"github.com/fwdist/tftpfw/pkg/config"
	"golang.org/x/sys/unix"
)

// FileWriter receives a write request into a fresh file under the
// root directory. Close applies the configured ownership and
// permissions; Cancel deletes the partial file.
type FileWriter struct {
	root   string
	name   string
	attr   config.FileAttr
	logger *slog.Logger
	setErr ErrorFunc

	path string
	f    *os.File
}

func NewFileWriter(root, name string, attr config.FileAttr, logger *slog.Logger, setErr ErrorFunc) *FileWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if setErr == nil {
		setErr = func(tftpfw.ErrCode, string) {}
	}
	return &FileWriter{root: root, name: name, attr: attr, logger: logger, setErr: setErr}
}

func (w *FileWriter) Open(_ context.Context) error {
	// The leaf was already stripped at request parse; Base again so a
	// writer constructed directly cannot traverse either.
	leaf := filepath.Base(w.name)
	if leaf == "." || leaf == ".." || leaf == "/" {
		w.setErr(tftpfw.ErrCodeAccess, "Access violation")
		return fmt.Errorf("unusable filename %q", w.name)
	}
	path := filepath.Join(w.root, leaf)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			w.logger.Error("refusing to overwrite", "path", path)
			w.setErr(tftpfw.ErrCodeFileExists, "File already exists")
			return ErrExists
		}
		w.logger.Error("creating file failed", "path", path, "err", err)
		w.setErr(tftpfw.ErrCodeUndefined, err.Error())
		return err
	}
	w.path = path
	w.f = f
	w.logger.Info("receiving file", "path", path)
	return nil
}

func (w *FileWriter) ReadAt([]byte, int64) (int, error) {
	return 0, ErrWriteOnly
}

func (w *FileWriter) WriteAt(p []byte, off int64) (int, error) {
	if w.f == nil {
		w.setErr(tftpfw.ErrCodeUndefined, "Server write stream not opened")
		return 0, ErrNotOpen
	}
	n, err := w.f.WriteAt(p, off)
	if err != nil {
		w.logger.Error("write failed", "offset", off, "err", err)
		w.setErr(tftpfw.ErrCodeUndefined, fmt.Sprintf("Write failed: %v", err))
	}
	return n, err
}

func (w *FileWriter) Size() int64 {
	return 0
}

// Cancel deletes whatever was received so a failed session leaves no
// file behind
func (w *FileWriter) Cancel() {
	if w.f == nil {
		return
	}
	w.f.Close()
	w.f = nil
	if err := os.Remove(w.path); err != nil {
		w.logger.Warn("removing partial file failed", "path", w.path, "err", err)
	} else {
		w.logger.Info("removed partial file", "path", w.path)
	}
}

// Close finalizes the file : ownership first, then permissions
func (w *FileWriter) Close() error {
	if w.f == nil {
		return nil
	}
	defer func() {
		w.f.Close()
		w.f = nil
	}()

	fd := int(w.f.Fd())
	uid, gid := w.lookupOwner()
	if uid >= 0 || gid >= 0 {
		if err := unix.Fchown(fd, uid, gid); err != nil {
			w.logger.Warn("chown failed", "path", w.path, "uid", uid, "gid", gid, "err", err)
		}
	}
	mode := w.attr.Masked()
	if err := unix.Fchmod(fd, uint32(mode)); err != nil {
		w.logger.Warn("chmod failed", "path", w.path, "mode", mode, "err", err)
	}
	w.logger.Info("finished file", "path", w.path, "mode", mode)
	return nil
}

// lookupOwner resolves the configured user and group names. A name
// that does not resolve falls back to root with a warning; an empty
// name leaves the id unchanged (-1).
func (w *FileWriter) lookupOwner() (int, int) {
	uid, gid := -1, -1
	if w.attr.User != "" {
		if u, err := user.Lookup(w.attr.User); err == nil {
			uid, _ = strconv.Atoi(u.Uid)
		} else {
			w.logger.Warn("unknown user, falling back to root", "user", w.attr.User)
			uid = 0
		}
	}
	if w.attr.Group != "" {
		if g, err := user.LookupGroup(w.attr.Group); err == nil {
			gid, _ = strconv.Atoi(g.Gid)
		} else {
			w.logger.Warn("unknown group, falling back to root", "group", w.attr.Group)
			gid = 0
		}
	}
	return uid, gid
}

// Path returns the file's destination path (empty before Open)
func (w *FileWriter) Path() string {
	return w.path
}
