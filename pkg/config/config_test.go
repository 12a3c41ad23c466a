package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	s := Default()
	assert.Equal(t, DefaultRootDir, s.RootDir)
	assert.Equal(t, DefaultRetransmit, s.Retransmit)
	assert.Equal(t, DefaultVerbosity, s.Verbosity)
	assert.EqualValues(t, DefaultFileMode, s.FileAttr.Mode)
	assert.False(t, s.Daemon)
	assert.Empty(t, s.Listen)
}

func TestFileAttrMasked(t *testing.T) {
	a := FileAttr{Mode: 0777}
	assert.EqualValues(t, 0666, a.Masked())
	a.Mode = 04755
	assert.EqualValues(t, 0644, a.Masked())
	a.Mode = 0640
	assert.EqualValues(t, 0640, a.Masked())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("0664")
	assert.Nil(t, err)
	assert.EqualValues(t, 0664, m)

	m, err = ParseMode("640")
	assert.Nil(t, err)
	assert.EqualValues(t, 0640, m)

	_, err = ParseMode("rw-r--r--")
	assert.NotNil(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tftpfw.conf")
	conf := `
[server]
listen     = 127.0.0.1:10069
listen     = [::1]:10069
root-dir   = /srv/firmware
search     = /srv/extra
search     = /srv/legacy
retransmit = 5
verb       = 7
daemon     = true

[files]
chuser = tftp
chgrp  = tftp
chmod  = 0640
`
	assert.Nil(t, os.WriteFile(path, []byte(conf), 0644))

	s := Default()
	assert.Nil(t, s.LoadFile(path))

	assert.Len(t, s.Listen, 2)
	assert.Equal(t, "127.0.0.1:10069", s.Listen[0].String())
	assert.Equal(t, "[::1]:10069", s.Listen[1].String())
	assert.Equal(t, "/srv/firmware", s.RootDir)
	assert.Equal(t, []string{"/srv/extra", "/srv/legacy"}, s.SearchDirs)
	assert.Equal(t, 5, s.Retransmit)
	assert.Equal(t, 7, s.Verbosity)
	assert.True(t, s.Daemon)
	assert.Equal(t, "tftp", s.FileAttr.User)
	assert.Equal(t, "tftp", s.FileAttr.Group)
	assert.EqualValues(t, 0640, s.FileAttr.Mode)
}

func TestLoadFileBadValues(t *testing.T) {
	dir := t.TempDir()

	write := func(content string) string {
		path := filepath.Join(dir, "bad.conf")
		assert.Nil(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	s := Default()
	assert.NotNil(t, s.LoadFile(filepath.Join(dir, "missing.conf")))

	assert.NotNil(t, s.LoadFile(write("[server]\nlisten = not-an-endpoint\n")))
	assert.NotNil(t, s.LoadFile(write("[server]\nretransmit = many\n")))
	assert.NotNil(t, s.LoadFile(write("[server]\nverb = 9\n")))
	assert.NotNil(t, s.LoadFile(write("[files]\nchmod = abc\n")))
}
