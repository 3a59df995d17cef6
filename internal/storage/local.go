package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalBackend implements Backend for the local filesystem. Writes use the
// crash-only atomic pattern: temp file in the destination directory, fsync,
// rename.
type LocalBackend struct {
	// RootDir, when set, confines every logical path beneath it. When empty,
	// paths are resolved against the working directory.
	RootDir string
}

// NewLocalBackend creates a LocalBackend. An empty rootDir leaves paths unconfined.
func NewLocalBackend(rootDir string) *LocalBackend {
	return &LocalBackend{RootDir: rootDir}
}

// Kind implements Backend.
func (b *LocalBackend) Kind() Kind { return KindFilesystem }

// Connect implements Backend. The filesystem needs no credential.
func (b *LocalBackend) Connect(_ context.Context, _ *Credential, _ string) (Session, error) {
	return &LocalSession{rootDir: b.RootDir}, nil
}

// LocalSession is a filesystem session.
type LocalSession struct {
	rootDir string
}

// Kind implements Session.
func (s *LocalSession) Kind() Kind { return KindFilesystem }

// Close implements Session.
func (s *LocalSession) Close() error { return nil }

// ResolveIdentity sets FullName to the absolute path of ref.PathName.
func (s *LocalSession) ResolveIdentity(ref *FileRef) error {
	p := ref.PathName
	if s.rootDir != "" {
		// Clean as a rooted path first so ".." cannot climb out of rootDir.
		p = filepath.Join(s.rootDir, filepath.Clean("/"+p))
	}
	full, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", ref.PathName, err)
	}
	ref.FullName = full
	ref.Parsed = parseFilePath(full)
	ref.MimeType = InferMimeType(full)
	return nil
}

// OpenInput opens the file for reading. The filesystem reports no content type.
func (s *LocalSession) OpenInput(_ context.Context, ref *FileRef) (*StreamResource, error) {
	f, err := os.Open(ref.FullName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(KindFilesystem, ref.FullName, err)
		}
		return nil, fmt.Errorf("opening %q: %w", ref.FullName, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %q: %w", ref.FullName, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, notFound(KindFilesystem, ref.FullName, fmt.Errorf("%s is a directory", ref.FullName))
	}
	return &StreamResource{
		Reader: f,
		FileID: ref.FullName,
		Size:   info.Size(),
	}, nil
}

// OpenOutput creates the parent directories and a temp file beside the
// destination. The destination appears only when the sink is closed.
func (s *LocalSession) OpenOutput(_ context.Context, ref *FileRef, contentType string) (*StreamResource, error) {
	dir := filepath.Dir(ref.FullName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directories for %q: %w", ref.FullName, err)
	}

	tmpPath := filepath.Join(dir, "."+filepath.Base(ref.FullName)+"."+uuid.NewString()+".tmp")
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	res := &StreamResource{ContentType: contentType, FileID: ref.FullName}
	res.Writer = &localSink{f: f, tmpPath: tmpPath, finalPath: ref.FullName}
	return res, nil
}

// localSink writes to a temp file and renames it into place on Close.
type localSink struct {
	f         *os.File
	tmpPath   string
	finalPath string
	closed    bool
}

func (s *localSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

func (s *localSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	// Fsync before rename to guarantee durability.
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		os.Remove(s.tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(s.tmpPath, s.finalPath); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

func (s *localSink) CloseWithError(error) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.f.Close()
	return os.Remove(s.tmpPath)
}

var _ Backend = (*LocalBackend)(nil)
var _ Session = (*LocalSession)(nil)
