package source

import (
	"bufio"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// A 32 hex digit request name is a content-addressed lookup
var digestRe = regexp.MustCompile(`^[0-9A-Fa-f]{32}$`)

// First 32 hex digit run on a sidecar's first line
var sidecarRe = regexp.MustCompile(`[0-9A-Fa-f]{32}`)

// IsDigest classifies a request name
func IsDigest(name string) bool {
	return digestRe.MatchString(name)
}

// A Resolver maps request names to payload paths. Plain names are
// looked up under the root and then each search root. Digest names
// walk the same roots for *.md5 sidecar files.
type Resolver struct {
	Root       string
	SearchDirs []string
	logger     *slog.Logger
}

func NewResolver(root string, search []string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{Root: root, SearchDirs: search, logger: logger}
}

func (r *Resolver) roots() []string {
	return append([]string{r.Root}, r.SearchDirs...)
}

// Resolve returns the payload path for a request name, or ErrNotFound
func (r *Resolver) Resolve(name string) (string, error) {
	if IsDigest(name) {
		if path, ok := r.searchDigest(name); ok {
			r.logger.Info("resolved content-addressed request", "digest", name, "path", path)
			return path, nil
		}
		// A digest-shaped name may still be a literal filename
	}
	for _, root := range r.roots() {
		path := filepath.Join(root, name)
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", ErrNotFound
}

// searchDigest walks each root depth-first; within a root the first
// matching sidecar wins, and the first root in configuration order
// wins overall.
func (r *Resolver) searchDigest(digest string) (string, bool) {
	for _, root := range r.roots() {
		if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
			continue
		}
		var found string
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || found != "" {
				return fs.SkipAll
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md5") {
				return nil
			}
			if payload, ok := r.matchSidecar(path, digest); ok {
				found = payload
				return fs.SkipAll
			}
			return nil
		})
		if found != "" {
			return found, true
		}
	}
	return "", false
}

// matchSidecar checks one *.md5 file against the requested digest and
// yields the payload path if it matches and a payload exists. The
// candidates are, in order : the sidecar path without its extension,
// then any filename token following the digest on the first line.
func (r *Resolver) matchSidecar(path, digest string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 2048), 2048)
	if !sc.Scan() {
		return "", false
	}
	line := sc.Text()

	loc := sidecarRe.FindStringIndex(line)
	if loc == nil || !strings.EqualFold(line[loc[0]:loc[1]], digest) {
		return "", false
	}
	r.logger.Debug("digest matched sidecar", "sidecar", path)

	// Same path minus the .md5 suffix
	candidate := path[:len(path)-len(filepath.Ext(path))]
	if fi, err := os.Stat(candidate); err == nil && fi.Mode().IsRegular() {
		return candidate, true
	}

	// Filename quoted on the sidecar line after the digest.
	// md5sum(1) marks binary mode with a leading '*'.
	if token := strings.TrimPrefix(strings.TrimSpace(line[loc[1]:]), "*"); token != "" {
		candidate = filepath.Join(filepath.Dir(path), token)
		if fi, err := os.Stat(candidate); err == nil && fi.Mode().IsRegular() {
			return candidate, true
		}
	}

	r.logger.Debug("matched sidecar has no payload", "sidecar", path)
	return "", false
}
