// Package spool buffers an in-flight upload on local disk between the
// client stream and the object store stream.
package spool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresuchdata/spoolrelay/internal/apperr"
)

const DefaultBufferSize = 32 << 20

// Spool creates artifacts under a single directory.
type Spool struct {
	dir        string
	bufferSize int
	namespace  bool
}

type Options struct {
	Dir        string
	BufferSize int
	// Namespace places each artifact in its own per-request subdirectory so
	// concurrent uploads of the same filename never share a path.
	Namespace bool
}

func New(opts Options) (*Spool, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("spool dir is required")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	return &Spool{
		dir:        opts.Dir,
		bufferSize: opts.BufferSize,
		namespace:  opts.Namespace,
	}, nil
}

func (s *Spool) Dir() string { return s.dir }

// Create opens a fresh artifact for filename, truncating any file already at
// that path. With namespacing on, the artifact lives in a new directory named
// by transferID, which must be unique per relay.
func (s *Spool) Create(transferID, filename string) (*Artifact, error) {
	dir := s.dir
	var owned string
	if s.namespace {
		if transferID == "" || filepath.Base(transferID) != transferID || transferID == ".." {
			return nil, apperr.New(apperr.KindSpoolIO, "spool.create", fmt.Errorf("invalid transfer id %q for namespaced spool", transferID))
		}
		dir = filepath.Join(s.dir, transferID)
		if err := os.Mkdir(dir, 0o755); err != nil {
			return nil, apperr.New(apperr.KindSpoolIO, "spool.create", err)
		}
		owned = dir
	}

	path := filepath.Join(dir, filename)
	f, err := os.Create(path)
	if err != nil {
		if owned != "" {
			_ = os.Remove(owned)
		}
		return nil, apperr.New(apperr.KindSpoolIO, "spool.create", err)
	}

	return &Artifact{
		path:       path,
		ownedDir:   owned,
		file:       f,
		bufferSize: s.bufferSize,
	}, nil
}

// Orphan is a file found in the spool directory by Scan.
type Orphan struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Scan lists spool files last modified before cutoff.
func (s *Spool) Scan(cutoff time.Time) ([]Orphan, error) {
	var orphans []Orphan
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			orphans = append(orphans, Orphan{Path: path, Size: info.Size(), ModTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan spool dir: %w", err)
	}
	return orphans, nil
}

// RemovePath deletes a spool file and, when it sat in a per-request
// subdirectory, that directory too. Paths outside the spool are refused.
func (s *Spool) RemovePath(path string) error {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside spool dir %s", path, s.dir)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if parent := filepath.Dir(path); filepath.Clean(parent) != filepath.Clean(s.dir) {
		if err := os.Remove(parent); err != nil && !os.IsNotExist(err) {
			// Another file still lives there; leave it.
			return nil
		}
	}
	return nil
}

// Artifact is one spool file. It is written once, reopened for reading by
// path, and removed when the relay is done with it.
type Artifact struct {
	path       string
	ownedDir   string
	file       *os.File
	bufferSize int
	size       int64
	removed    bool
}

func (a *Artifact) Path() string { return a.path }

// Size is the number of bytes written so far.
func (a *Artifact) Size() int64 { return a.size }

// Write copies r into the artifact through a large buffer, then flushes,
// syncs and closes the file. The artifact can be written only once.
func (a *Artifact) Write(r io.Reader) (int64, error) {
	if a.file == nil {
		return 0, apperr.New(apperr.KindSpoolIO, "spool.write", fmt.Errorf("artifact %s already written", a.path))
	}
	f := a.file
	a.file = nil

	// writerOnly hides (*os.File).ReadFrom; otherwise bufio hands the
	// whole copy to the file and the buffer is never filled.
	w := bufio.NewWriterSize(writerOnly{f}, a.bufferSize)
	n, err := io.Copy(w, r)
	a.size = n
	if err != nil {
		_ = f.Close()
		// Errors coming from the source are already tagged by the reader.
		if apperr.KindOf(err) != "" {
			return n, err
		}
		return n, apperr.New(apperr.KindSpoolIO, "spool.write", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return n, apperr.New(apperr.KindSpoolIO, "spool.flush", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return n, apperr.New(apperr.KindSpoolIO, "spool.sync", err)
	}
	if err := f.Close(); err != nil {
		return n, apperr.New(apperr.KindSpoolIO, "spool.close", err)
	}
	return n, nil
}

// Open returns a new read handle on the artifact, independent of the one
// used for writing.
func (a *Artifact) Open() (*os.File, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, apperr.New(apperr.KindSpoolIO, "spool.open", err)
	}
	return f, nil
}

// Remove deletes the artifact and its per-request directory.
func (a *Artifact) Remove() error {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	if a.removed {
		return nil
	}
	if err := os.Remove(a.path); err != nil {
		return apperr.New(apperr.KindSpoolIO, "spool.remove", err)
	}
	a.removed = true
	if a.ownedDir != "" {
		if err := os.Remove(a.ownedDir); err != nil && !os.IsNotExist(err) {
			return apperr.New(apperr.KindSpoolIO, "spool.remove", err)
		}
	}
	return nil
}

// Release is the deferred counterpart of Create. Unless keep is set it
// removes the artifact, ignoring errors; it reports whether the file is
// still on disk afterwards.
func (a *Artifact) Release(keep bool) bool {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	if a.removed {
		return false
	}
	if keep {
		return true
	}
	if err := a.Remove(); err != nil {
		_, statErr := os.Stat(a.path)
		return statErr == nil
	}
	return false
}

type writerOnly struct {
	io.Writer
}
