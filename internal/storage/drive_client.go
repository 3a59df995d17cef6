package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/brucemcpherson/bm-drive-cloud/internal/backoff"
	"github.com/brucemcpherson/bm-drive-cloud/internal/folderpath"
)

// FolderMimeType is the mime type Drive uses for folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// DriveFile holds the file metadata the drive adapter reads.
type DriveFile struct {
	ID           string
	Name         string
	MimeType     string
	Size         int64
	ModifiedTime string
}

// DriveAPI defines the subset of the Drive v3 API the drive adapter uses.
// This allows mocking in tests.
type DriveAPI interface {
	folderpath.FolderService
	// FindFiles lists non-folder files named name under parentID, most
	// recently modified first.
	FindFiles(ctx context.Context, name, parentID string) ([]DriveFile, error)
	// GetFile returns metadata for the file with the given id.
	GetFile(ctx context.Context, id string) (*DriveFile, error)
	// Download opens the file's content.
	Download(ctx context.Context, id string) (io.ReadCloser, error)
	// CreateFile uploads media as a new file under parentID.
	CreateFile(ctx context.Context, name, parentID, mimeType string, media io.Reader) (*DriveFile, error)
}

// realDriveClient wraps the Drive v3 service to satisfy DriveAPI.
type realDriveClient struct {
	svc *drive.Service
}

// newRealDriveClient authorizes a service account impersonating subject and
// returns a client. The token exchange happens here so credential problems
// surface before any transfer starts.
func newRealDriveClient(ctx context.Context, credJSON []byte, scopes []string, subject string) (DriveAPI, error) {
	cfg, err := google.JWTConfigFromJSON(credJSON, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parsing service account: %w", err)
	}
	cfg.Subject = subject

	ts := cfg.TokenSource(ctx)
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("authorizing %s as %q: %w", cfg.Email, subject, err)
	}

	svc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}
	return &realDriveClient{svc: svc}, nil
}

// quote escapes a value for use inside a Drive query string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, `'`, `\'`) + "'"
}

func (c *realDriveClient) FindFolders(ctx context.Context, name, parentID string) ([]folderpath.Folder, error) {
	q := fmt.Sprintf("name = %s and mimeType = %s and trashed = false and 'me' in owners and %s in parents",
		quote(name), quote(FolderMimeType), quote(parentID))
	list, err := c.svc.Files.List().Q(q).Fields("files(id, name)").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make([]folderpath.Folder, 0, len(list.Files))
	for _, f := range list.Files {
		out = append(out, folderpath.Folder{ID: f.Id, Name: f.Name})
	}
	return out, nil
}

func (c *realDriveClient) CreateFolder(ctx context.Context, name, parentID string) (folderpath.Folder, error) {
	f, err := c.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: FolderMimeType,
		Parents:  []string{parentID},
	}).Fields("id, name").Context(ctx).Do()
	if err != nil {
		return folderpath.Folder{}, err
	}
	return folderpath.Folder{ID: f.Id, Name: f.Name}, nil
}

func (c *realDriveClient) FindFiles(ctx context.Context, name, parentID string) ([]DriveFile, error) {
	q := fmt.Sprintf("name = %s and mimeType != %s and trashed = false and %s in parents",
		quote(name), quote(FolderMimeType), quote(parentID))
	list, err := c.svc.Files.List().Q(q).
		OrderBy("modifiedTime desc").
		Fields("files(id, name, mimeType, size, modifiedTime)").
		Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make([]DriveFile, 0, len(list.Files))
	for _, f := range list.Files {
		out = append(out, fromDriveFile(f))
	}
	return out, nil
}

func (c *realDriveClient) GetFile(ctx context.Context, id string) (*DriveFile, error) {
	f, err := c.svc.Files.Get(id).Fields("id, name, mimeType, size").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	df := fromDriveFile(f)
	return &df, nil
}

func (c *realDriveClient) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := c.svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *realDriveClient) CreateFile(ctx context.Context, name, parentID, mimeType string, media io.Reader) (*DriveFile, error) {
	var opts []googleapi.MediaOption
	if mimeType != "" {
		opts = append(opts, googleapi.ContentType(mimeType))
	}
	f, err := c.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: mimeType,
		Parents:  []string{parentID},
	}).Media(media, opts...).Fields("id, name, mimeType, size").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	df := fromDriveFile(f)
	return &df, nil
}

func fromDriveFile(f *drive.File) DriveFile {
	return DriveFile{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		Size:         f.Size,
		ModifiedTime: f.ModifiedTime,
	}
}

// isDriveNotFound reports whether err is a Drive 404.
func isDriveNotFound(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound
	}
	return strings.HasPrefix(err.Error(), "googleapi: Error 404")
}

// isDriveTransient extends the default classifier with structured Drive
// rate-limit reasons.
func isDriveTransient(err error) bool {
	if backoff.IsTransient(err) {
		return true
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
		return true
	case gerr.Code == http.StatusForbidden:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}
