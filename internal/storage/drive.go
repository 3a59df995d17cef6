package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
	"github.com/brucemcpherson/bm-drive-cloud/internal/folderpath"
)

// driveIDPattern matches leaf names that look like opaque Drive file ids.
var driveIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{25,}$`)

// DriveBackend implements Backend for Google Drive.
type DriveBackend struct {
	// Retry governs the metadata calls of every session.
	Retry  RetryPolicy
	scopes []string
	rootID string
	logger *slog.Logger
	// newClient authorizes and builds the API client. Overridable in tests.
	newClient func(ctx context.Context, credJSON []byte, scopes []string, subject string) (DriveAPI, error)
}

// NewDriveBackend creates a DriveBackend. Empty scopes select the full
// drive scope; an empty rootID selects "root".
func NewDriveBackend(scopes []string, rootID string, logger *slog.Logger) *DriveBackend {
	if len(scopes) == 0 {
		scopes = []string{"https://www.googleapis.com/auth/drive"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DriveBackend{
		scopes:    scopes,
		rootID:    rootID,
		logger:    logger,
		newClient: newRealDriveClient,
	}
}

// NewDriveBackendWithClient creates a DriveBackend whose sessions use client.
// Used for testing with mock clients.
func NewDriveBackendWithClient(client DriveAPI, rootID string, logger *slog.Logger) *DriveBackend {
	b := NewDriveBackend(nil, rootID, logger)
	b.newClient = func(context.Context, []byte, []string, string) (DriveAPI, error) { return client, nil }
	return b
}

// Kind implements Backend.
func (b *DriveBackend) Kind() Kind { return KindDrive }

// Connect authorizes the service account as subject. Authorization completes
// before Connect returns.
func (b *DriveBackend) Connect(ctx context.Context, cred *Credential, subject string) (Session, error) {
	if _, err := cred.ServiceAccount(); err != nil {
		return nil, connectError(KindDrive, err)
	}
	client, err := b.newClient(ctx, cred.Content, b.scopes, subject)
	if err != nil {
		return nil, connectError(KindDrive, err)
	}
	return newDriveSession(client, b.rootID, b.Retry, b.logger.With("subject", subject)), nil
}

// DriveSession is a connected drive session.
type DriveSession struct {
	client  DriveAPI
	folders *folderpath.Resolver
	retry   RetryPolicy
	logger  *slog.Logger
}

func newDriveSession(client DriveAPI, rootID string, retry RetryPolicy, logger *slog.Logger) *DriveSession {
	s := &DriveSession{client: client, retry: retry, logger: logger}
	s.folders = folderpath.NewResolver(retryingFolders{s}, rootID, logger)
	return s
}

// Kind implements Session.
func (s *DriveSession) Kind() Kind { return KindDrive }

// Close implements Session. The Drive service holds no resources of its own.
func (s *DriveSession) Close() error { return nil }

// ResolveIdentity keeps the raw logical path as the full name.
func (s *DriveSession) ResolveIdentity(ref *FileRef) error {
	ref.FullName = ref.PathName
	ref.Parsed = ParsePath(ref.PathName)
	ref.MimeType = InferMimeType(ref.PathName)
	return nil
}

// OpenInput opens a drive file. A leaf that looks like a file id is fetched
// directly; otherwise, or if that fails, the parent folders are walked
// without creation and the leaf is looked up by name.
func (s *DriveSession) OpenInput(ctx context.Context, ref *FileRef) (*StreamResource, error) {
	leaf := ref.Parsed.Base
	if driveIDPattern.MatchString(leaf) {
		res, err := s.openByID(ctx, leaf)
		if err == nil {
			return res, nil
		}
		s.logger.Debug("id lookup failed, falling back to path", "id", leaf, "error", err)
	}

	parentID, err := s.folders.Resolve(ctx, ref.Parsed.Dir, false)
	if err != nil {
		return nil, err
	}

	files, err := retryDrive(ctx, s, func(ctx context.Context) ([]DriveFile, error) {
		return s.client.FindFiles(ctx, leaf, parentID)
	})
	if err != nil {
		return nil, fmt.Errorf("drive lookup %q: %w", ref.PathName, err)
	}
	switch len(files) {
	case 0:
		return nil, xferr.ErrFileNotFound.WithExtra("kind", string(KindDrive)).WithExtra("path", ref.PathName)
	case 1:
	default:
		s.logger.Warn("multiple files share a name, using the most recent",
			"path", ref.PathName, "count", len(files), "id", files[0].ID)
	}
	return s.openByID(ctx, files[0].ID)
}

func (s *DriveSession) openByID(ctx context.Context, id string) (*StreamResource, error) {
	f, err := retryDrive(ctx, s, func(ctx context.Context) (*DriveFile, error) {
		return s.client.GetFile(ctx, id)
	})
	if err != nil {
		if isDriveNotFound(err) {
			return nil, notFound(KindDrive, id, err)
		}
		return nil, fmt.Errorf("drive get %s: %w", id, err)
	}
	body, err := s.client.Download(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("drive download %s: %w", id, err)
	}
	return &StreamResource{
		Reader:      body,
		ContentType: f.MimeType,
		FileID:      f.ID,
		Size:        f.Size,
	}, nil
}

// OpenOutput resolves the parent folder, creating missing folders, and
// starts an upload of a new file under it. The file id is known once the
// sink is closed.
func (s *DriveSession) OpenOutput(ctx context.Context, ref *FileRef, contentType string) (*StreamResource, error) {
	if ref.Parsed.Base == "" {
		return nil, fmt.Errorf("drive write %q: no file name", ref.PathName)
	}
	parentID, err := s.folders.Resolve(ctx, ref.Parsed.Dir, true)
	if err != nil {
		return nil, err
	}

	res := &StreamResource{ContentType: contentType}
	name := ref.Parsed.Base
	res.Writer = newPipeSink(res, func(r io.Reader) (string, string, error) {
		f, err := s.client.CreateFile(ctx, name, parentID, contentType, r)
		if err != nil {
			return "", "", fmt.Errorf("drive upload %q: %w", ref.PathName, err)
		}
		return f.ID, f.MimeType, nil
	})
	return res, nil
}

// retryingFolders routes folder queries through the backoff combinator.
type retryingFolders struct {
	s *DriveSession
}

func (f retryingFolders) FindFolders(ctx context.Context, name, parentID string) ([]folderpath.Folder, error) {
	return retryDrive(ctx, f.s, func(ctx context.Context) ([]folderpath.Folder, error) {
		return f.s.client.FindFolders(ctx, name, parentID)
	})
}

func (f retryingFolders) CreateFolder(ctx context.Context, name, parentID string) (folderpath.Folder, error) {
	return retryDrive(ctx, f.s, func(ctx context.Context) (folderpath.Folder, error) {
		return f.s.client.CreateFolder(ctx, name, parentID)
	})
}

func retryDrive[T any](ctx context.Context, s *DriveSession, fn func(ctx context.Context) (T, error)) (T, error) {
	return retryWith(ctx, s.retry, s.logger, "drive_metadata", isDriveTransient, fn)
}

var _ Backend = (*DriveBackend)(nil)
var _ Session = (*DriveSession)(nil)
