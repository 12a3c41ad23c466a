package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	tftpfw "github.com/fwdist/tftpfw"
	"github.com/fwdist/tftpfw/pkg/config"
	"github.com/stretchr/testify/assert"
)

type slotRecorder struct {
	slot tftpfw.ErrorSlot
}

func (r *slotRecorder) set(code tftpfw.ErrCode, msg string) {
	r.slot.Set(code, msg)
}

func TestFileReaderReadAt(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "fw.bin"), "0123456789")

	r := NewFileReader(NewResolver(root, nil, nil), "fw.bin", nil, nil)
	assert.Nil(t, r.Open(context.Background()))
	defer r.Close()
	assert.EqualValues(t, 10, r.Size())

	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 0)
	assert.Nil(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123", string(buf[:n]))

	// Short read at the tail
	n, err = r.ReadAt(buf, 8)
	assert.Nil(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "89", string(buf[:n]))

	// At and past end of file
	n, err = r.ReadAt(buf, 10)
	assert.Nil(t, err)
	assert.Equal(t, 0, n)
	n, err = r.ReadAt(buf, 100)
	assert.Nil(t, err)
	assert.Equal(t, 0, n)
}

func TestFileReaderNotFound(t *testing.T) {
	rec := &slotRecorder{}
	r := NewFileReader(NewResolver(t.TempDir(), nil, nil), "missing.bin", nil, rec.set)
	err := r.Open(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	e := rec.slot.Get()
	assert.NotNil(t, e)
	assert.Equal(t, tftpfw.ErrCodeFileNotFound, e.Code)
}

func TestFileWriterRefusesExisting(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.bin"), "present")

	rec := &slotRecorder{}
	w := NewFileWriter(root, "a.bin", config.FileAttr{Mode: 0664}, nil, rec.set)
	err := w.Open(context.Background())
	assert.ErrorIs(t, err, ErrExists)

	e := rec.slot.Get()
	assert.Equal(t, tftpfw.ErrCodeFileExists, e.Code)
	assert.Equal(t, "File already exists", e.Msg)

	// The original file is untouched
	content, _ := os.ReadFile(filepath.Join(root, "a.bin"))
	assert.Equal(t, "present", string(content))
}

func TestFileWriterOutOfOrderWrites(t *testing.T) {
	root := t.TempDir()
	w := NewFileWriter(root, "fw.bin", config.FileAttr{Mode: 0664}, nil, nil)
	assert.Nil(t, w.Open(context.Background()))

	_, err := w.WriteAt([]byte("6789"), 6)
	assert.Nil(t, err)
	_, err = w.WriteAt([]byte("012345"), 0)
	assert.Nil(t, err)
	assert.Nil(t, w.Close())

	content, err := os.ReadFile(filepath.Join(root, "fw.bin"))
	assert.Nil(t, err)
	assert.Equal(t, "0123456789", string(content))
}

func TestFileWriterCloseAppliesMode(t *testing.T) {
	root := t.TempDir()
	// Execute bits must never survive the mask
	w := NewFileWriter(root, "fw.bin", config.FileAttr{Mode: 0777}, nil, nil)
	assert.Nil(t, w.Open(context.Background()))
	_, err := w.WriteAt([]byte("x"), 0)
	assert.Nil(t, err)
	assert.Nil(t, w.Close())

	fi, err := os.Stat(filepath.Join(root, "fw.bin"))
	assert.Nil(t, err)
	assert.EqualValues(t, 0666, fi.Mode().Perm())
}

func TestFileWriterCancelDeletes(t *testing.T) {
	root := t.TempDir()
	w := NewFileWriter(root, "partial.bin", config.FileAttr{Mode: 0664}, nil, nil)
	assert.Nil(t, w.Open(context.Background()))
	_, err := w.WriteAt([]byte("half"), 0)
	assert.Nil(t, err)

	w.Cancel()
	_, err = os.Stat(filepath.Join(root, "partial.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileWriterStripsTraversal(t *testing.T) {
	root := t.TempDir()
	w := NewFileWriter(root, "sub/../../escape.bin", config.FileAttr{Mode: 0664}, nil, nil)
	assert.Nil(t, w.Open(context.Background()))
	assert.Equal(t, filepath.Join(root, "escape.bin"), w.Path())
	w.Cancel()
}

func TestStreamSources(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stream")
	assert.Nil(t, err)
	defer f.Close()
	_, err = f.WriteString("abcdef")
	assert.Nil(t, err)

	r := NewStreamReader(f, 6)
	assert.Nil(t, r.Open(context.Background()))
	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 4)
	assert.Nil(t, err)
	assert.Equal(t, 2, n)
	n, err = r.ReadAt(buf, 6)
	assert.Nil(t, err)
	assert.Equal(t, 0, n)
	_, err = r.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, ErrReadOnly)

	w := NewStreamWriter(f)
	_, err = w.WriteAt([]byte("ghij"), 6)
	assert.Nil(t, err)
	_, err = w.ReadAt(buf, 0)
	assert.ErrorIs(t, err, ErrWriteOnly)
}
