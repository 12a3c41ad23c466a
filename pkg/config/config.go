// Package config carries the read-only settings view handed to every
// listener and session. Settings are frozen before the first listener
// starts, so the hot path never takes a lock.
package config

import (
	"fmt"
	"io/fs"

	tftpfw "github.com/fwdist/tftpfw"
	"gopkg.in/ini.v1"
)

const (
	DefaultRootDir    = "/srv/tftp"
	DefaultRetransmit = 3
	DefaultVerbosity  = 6
	DefaultFileMode   = fs.FileMode(0664)

	// Execute and setuid bits are never applied to received files
	FileModeMask = fs.FileMode(0666)
)

// FileAttr describes ownership and permissions applied to a file the
// server finished receiving. Empty user or group names leave the
// respective id unchanged.
type FileAttr struct {
	User  string
	Group string
	Mode  fs.FileMode
}

// Masked returns the permission bits actually applied
func (a FileAttr) Masked() fs.FileMode {
	return a.Mode & FileModeMask
}

// Settings is the complete server configuration. It is treated as an
// immutable value once listeners are running; sessions receive a copy.
type Settings struct {
	// Listen endpoints, one listener per entry
	Listen []tftpfw.Addr
	// RootDir is the directory served and written to
	RootDir string
	// SearchDirs are additional read-only roots, in priority order
	SearchDirs []string
	// Retransmit is the per-operation retransmission cap
	Retransmit int
	// FileAttr applies to files created by write requests
	FileAttr FileAttr
	// Verbosity is the syslog style level 0..7
	Verbosity int
	// Daemon requests detaching from the terminal (handled by the
	// process supervisor, recorded here for the CLI surface)
	Daemon bool
}

// Default returns the settings used when nothing is configured
func Default() Settings {
	return Settings{
		RootDir:    DefaultRootDir,
		Retransmit: DefaultRetransmit,
		Verbosity:  DefaultVerbosity,
		FileAttr:   FileAttr{Mode: DefaultFileMode},
	}
}

// LoadFile merges values from an INI configuration file into s.
// Recognized keys mirror the command line options :
//
//	[server]
//	listen     = 0.0.0.0:69   ; repeatable
//	root-dir   = /srv/tftp
//	search     = /srv/firmware ; repeatable
//	retransmit = 3
//	verb       = 6
//	daemon     = false
//
//	[files]
//	chuser = tftp
//	chgrp  = tftp
//	chmod  = 0664
func (s *Settings) LoadFile(path string) error {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", path, err)
	}

	srv := f.Section("server")
	for _, v := range srv.Key("listen").ValueWithShadows() {
		if v == "" {
			continue
		}
		addr, err := tftpfw.ParseAddr(v)
		if err != nil {
			return fmt.Errorf("config listen: %w", err)
		}
		s.Listen = append(s.Listen, addr)
	}
	if k := srv.Key("root-dir"); k.String() != "" {
		s.RootDir = k.String()
	}
	for _, v := range srv.Key("search").ValueWithShadows() {
		if v != "" {
			s.SearchDirs = append(s.SearchDirs, v)
		}
	}
	if k := srv.Key("retransmit"); k.String() != "" {
		n, err := k.Int()
		if err != nil || n < 0 {
			return fmt.Errorf("config retransmit: bad value %q", k.String())
		}
		s.Retransmit = n
	}
	if k := srv.Key("verb"); k.String() != "" {
		n, err := k.Int()
		if err != nil || n < 0 || n > 7 {
			return fmt.Errorf("config verb: bad value %q", k.String())
		}
		s.Verbosity = n
	}
	if k := srv.Key("daemon"); k.String() != "" {
		b, err := k.Bool()
		if err != nil {
			return fmt.Errorf("config daemon: bad value %q", k.String())
		}
		s.Daemon = b
	}

	files := f.Section("files")
	if k := files.Key("chuser"); k.String() != "" {
		s.FileAttr.User = k.String()
	}
	if k := files.Key("chgrp"); k.String() != "" {
		s.FileAttr.Group = k.String()
	}
	if k := files.Key("chmod"); k.String() != "" {
		mode, err := ParseMode(k.String())
		if err != nil {
			return err
		}
		s.FileAttr.Mode = mode
	}
	return nil
}

// ParseMode parses an octal permission string like "0664"
func ParseMode(s string) (fs.FileMode, error) {
	var v uint32
	if _, err := fmt.Sscanf(s, "%o", &v); err != nil {
		return 0, fmt.Errorf("bad mode %q", s)
	}
	return fs.FileMode(v), nil
}
