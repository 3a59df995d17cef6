package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/brucemcpherson/bm-drive-cloud/internal/backoff"
)

// GCSAPI defines the subset of the GCS client the object-store adapter uses.
// This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given object with its content type set.
	NewWriter(ctx context.Context, bucket, object, contentType string) GCSWriter
	// NewReader returns a reader for the given object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Attrs returns the attributes of the given object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Close releases the client.
	Close() error
}

// GCSWriter is a writer for a GCS object. Attrs is valid after Close succeeds.
type GCSWriter interface {
	io.WriteCloser
	Attrs() *GCSAttrs
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Bucket      string
	Name        string
	ContentType string
	Size        int64
	Generation  int64
}

// ID returns the object's identifier in the form GCS reports it:
// bucket/name/generation.
func (a *GCSAttrs) ID() string {
	return fmt.Sprintf("%s/%s/%d", a.Bucket, a.Name, a.Generation)
}

func fromObjectAttrs(attrs *gcs.ObjectAttrs) *GCSAttrs {
	if attrs == nil {
		return nil
	}
	return &GCSAttrs{
		Bucket:      attrs.Bucket,
		Name:        attrs.Name,
		ContentType: attrs.ContentType,
		Size:        attrs.Size,
		Generation:  attrs.Generation,
	}
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, contentType string) GCSWriter {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return &realGCSWriter{w}
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return fromObjectAttrs(attrs), nil
}

func (c *realGCSClient) Close() error {
	return c.client.Close()
}

type realGCSWriter struct {
	*gcs.Writer
}

func (w *realGCSWriter) Attrs() *GCSAttrs {
	return fromObjectAttrs(w.Writer.Attrs())
}

// GCSBackend implements Backend for Google Cloud Storage.
type GCSBackend struct {
	// Retry governs the attribute lookups of every session.
	Retry  RetryPolicy
	logger *slog.Logger
	// newClient builds the client from a service-account document. Overridable in tests.
	newClient func(ctx context.Context, credJSON []byte) (GCSAPI, error)
}

// NewGCSBackend creates a GCSBackend.
func NewGCSBackend(logger *slog.Logger) *GCSBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &GCSBackend{logger: logger, newClient: newRealGCSClient}
}

// NewGCSBackendWithClient creates a GCSBackend whose sessions use client.
// Used for testing with mock clients.
func NewGCSBackendWithClient(client GCSAPI, logger *slog.Logger) *GCSBackend {
	b := NewGCSBackend(logger)
	b.newClient = func(context.Context, []byte) (GCSAPI, error) { return client, nil }
	return b
}

func newRealGCSClient(ctx context.Context, credJSON []byte) (GCSAPI, error) {
	client, err := gcs.NewClient(ctx, option.WithCredentialsJSON(credJSON))
	if err != nil {
		return nil, err
	}
	return &realGCSClient{client: client}, nil
}

// Kind implements Backend.
func (b *GCSBackend) Kind() Kind { return KindGCS }

// Connect builds a storage client bound to the credential's project.
func (b *GCSBackend) Connect(ctx context.Context, cred *Credential, _ string) (Session, error) {
	sa, err := cred.ServiceAccount()
	if err != nil {
		return nil, connectError(KindGCS, err)
	}
	client, err := b.newClient(ctx, cred.Content)
	if err != nil {
		return nil, connectError(KindGCS, err)
	}
	return &GCSSession{client: client, project: sa.ProjectID, retry: b.Retry, logger: b.logger}, nil
}

// GCSSession is a connected GCS session.
type GCSSession struct {
	client  GCSAPI
	project string
	retry   RetryPolicy
	logger  *slog.Logger
}

// NewGCSSessionWithClient creates a session around an existing client.
func NewGCSSessionWithClient(client GCSAPI, project string) *GCSSession {
	return &GCSSession{client: client, project: project, logger: slog.Default()}
}

// Kind implements Session.
func (s *GCSSession) Kind() Kind { return KindGCS }

// Close implements Session.
func (s *GCSSession) Close() error { return s.client.Close() }

// ResolveIdentity splits the path into bucket and object key.
func (s *GCSSession) ResolveIdentity(ref *FileRef) error {
	return resolveObjectIdentity(ref)
}

// OpenInput fetches the object's attributes then opens a reader.
func (s *GCSSession) OpenInput(ctx context.Context, ref *FileRef) (*StreamResource, error) {
	attrs, err := retryWith(ctx, s.retry, s.logger, "gcs_attrs", isGCSTransient, func(ctx context.Context) (*GCSAttrs, error) {
		return s.client.Attrs(ctx, ref.Container, ref.FullName)
	})
	if err != nil {
		if isGCSNotFound(err) {
			return nil, notFound(KindGCS, ref.Container+"/"+ref.FullName, err)
		}
		return nil, fmt.Errorf("gcs attrs %s/%s: %w", ref.Container, ref.FullName, err)
	}

	reader, err := s.client.NewReader(ctx, ref.Container, ref.FullName)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, notFound(KindGCS, ref.Container+"/"+ref.FullName, err)
		}
		return nil, fmt.Errorf("gcs read %s/%s: %w", ref.Container, ref.FullName, err)
	}
	return &StreamResource{
		Reader:      reader,
		ContentType: attrs.ContentType,
		FileID:      attrs.ID(),
		Size:        attrs.Size,
	}, nil
}

// OpenOutput opens an object writer. Abandoning the sink cancels the upload
// so no object is committed.
func (s *GCSSession) OpenOutput(ctx context.Context, ref *FileRef, contentType string) (*StreamResource, error) {
	if ref.Container == "" || ref.FullName == "" {
		return nil, fmt.Errorf("gcs write %q: bucket and object name required", ref.PathName)
	}
	wctx, cancel := context.WithCancel(ctx)
	res := &StreamResource{ContentType: contentType}
	res.Writer = &gcsSink{
		w:      s.client.NewWriter(wctx, ref.Container, ref.FullName, contentType),
		cancel: cancel,
		res:    res,
	}
	return res, nil
}

type gcsSink struct {
	w      GCSWriter
	cancel context.CancelFunc
	res    *StreamResource
	done   bool
}

func (s *gcsSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *gcsSink) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	defer s.cancel()
	if err := s.w.Close(); err != nil {
		return fmt.Errorf("gcs finalize: %w", err)
	}
	if attrs := s.w.Attrs(); attrs != nil {
		s.res.FileID = attrs.ID()
		if attrs.ContentType != "" {
			s.res.ContentType = attrs.ContentType
		}
	}
	return nil
}

func (s *gcsSink) CloseWithError(error) error {
	if s.done {
		return nil
	}
	s.done = true
	// Cancelling before Close aborts the resumable upload.
	s.cancel()
	s.w.Close()
	return nil
}

// resolveObjectIdentity fills an object-store FileRef from its logical path.
func resolveObjectIdentity(ref *FileRef) error {
	container, key := SplitContainer(ref.PathName)
	if container == "" {
		return fmt.Errorf("object path %q has no bucket", ref.PathName)
	}
	ref.Container = container
	ref.FullName = key
	ref.Parsed = ParsePath(key)
	ref.MimeType = InferMimeType(key)
	return nil
}

// isGCSNotFound returns true if the error indicates the GCS object or bucket
// does not exist.
func isGCSNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	// Fallback: check the error message for common not-found indicators.
	msg := err.Error()
	return strings.Contains(msg, "object doesn't exist") ||
		strings.Contains(msg, "bucket doesn't exist") ||
		strings.Contains(msg, "googleapi: Error 404")
}

// isGCSTransient extends the default classifier with GCS's own retry rules.
func isGCSTransient(err error) bool {
	if isGCSNotFound(err) {
		return false
	}
	return backoff.IsTransient(err) || gcs.ShouldRetry(err)
}

var _ Backend = (*GCSBackend)(nil)
var _ Session = (*GCSSession)(nil)
