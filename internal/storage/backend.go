// Package storage defines the backend capability contract shared by every
// storage kind and the adapters that implement it: the local filesystem,
// Google Cloud Storage, Google Drive, Amazon S3 and Azure Blob Storage.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
)

// Kind identifies a storage backend.
type Kind string

// Supported kinds.
const (
	KindFilesystem Kind = "filesystem"
	KindGCS        Kind = "object-store"
	KindDrive      Kind = "hierarchical-drive"
	KindS3         Kind = "s3"
	KindAzureBlob  Kind = "azure-blob"
)

var kindAliases = map[string]Kind{
	"filesystem":         KindFilesystem,
	"fs":                 KindFilesystem,
	"object-store":       KindGCS,
	"gcs":                KindGCS,
	"hierarchical-drive": KindDrive,
	"drive":              KindDrive,
	"s3":                 KindS3,
	"aws":                KindS3,
	"azure-blob":         KindAzureBlob,
	"azure":              KindAzureBlob,
}

// ParseKind maps a kind name or alias to a Kind.
func ParseKind(s string) (Kind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", xferr.ErrInvalidPlatformKind.WithExtra("kind", s)
	}
	return k, nil
}

// NeedsCredential reports whether the kind requires a credential to connect.
func (k Kind) NeedsCredential() bool {
	return k != KindFilesystem
}

// Credential is a named credential document.
type Credential struct {
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

// ServiceAccount is the subset of a Google service-account key the Google
// backends read.
type ServiceAccount struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	PrivateKey  string `json:"private_key"`
	ClientEmail string `json:"client_email"`
	TokenURI    string `json:"token_uri"`
}

// ServiceAccount decodes the credential as a Google service-account key.
func (c *Credential) ServiceAccount() (*ServiceAccount, error) {
	if c == nil || len(c.Content) == 0 {
		return nil, xferr.ErrMissingCredentials
	}
	var sa ServiceAccount
	if err := json.Unmarshal(c.Content, &sa); err != nil {
		return nil, xferr.ErrInvalidCredentials.WithExtra("name", c.Name).Wrap(err)
	}
	return &sa, nil
}

// ParsedPath holds the components of a path.
type ParsedPath struct {
	Dir  string `json:"dir"`
	Base string `json:"base"`
	Ext  string `json:"ext"`
	Name string `json:"name"`
}

// FileRef is one side of a file transfer. It starts with only PathName and
// is enriched by ResolveIdentity and by the transfer itself.
type FileRef struct {
	// PathName is the logical path from the work specification.
	PathName string
	// FullName is the backend address: absolute path, object key or raw drive path.
	FullName string
	Parsed   ParsedPath
	// MimeType is inferred from the extension.
	MimeType string
	// Container is the bucket or container for object stores.
	Container string
	FileID    string
	Size      int64
	Elapsed   time.Duration
}

// Sink is the writing end of an output StreamResource. Close finishes the
// write; CloseWithError abandons it. Exactly one of them should be called.
type Sink interface {
	io.Writer
	Close() error
	CloseWithError(err error) error
}

// StreamResource is an open input or output stream with its metadata.
// Input resources carry Reader; output resources carry Writer.
type StreamResource struct {
	Reader      io.ReadCloser
	Writer      Sink
	ContentType string
	// FileID is the backend identifier. Output adapters that only learn it
	// after upload set it when Writer.Close returns.
	FileID string
	Size   int64
}

// Session is a connected client for one kind. Sessions live for one
// execution call and may be used concurrently.
type Session interface {
	Kind() Kind
	// ResolveIdentity fills FullName, Parsed, MimeType and Container on ref.
	ResolveIdentity(ref *FileRef) error
	// OpenInput opens ref for reading.
	OpenInput(ctx context.Context, ref *FileRef) (*StreamResource, error)
	// OpenOutput opens ref for writing with the given content type.
	OpenOutput(ctx context.Context, ref *FileRef, contentType string) (*StreamResource, error)
	// Close releases the underlying clients.
	Close() error
}

// Backend creates sessions for one kind.
type Backend interface {
	Kind() Kind
	// Connect acquires a client. subject is the identity to impersonate, if
	// the kind supports impersonation.
	Connect(ctx context.Context, cred *Credential, subject string) (Session, error)
}

// Platform is one side of a work item: the kind, the credential it names,
// an optional impersonation subject, and the session acquired for it.
type Platform struct {
	Kind           Kind
	CredentialName string
	Subject        string
	Credential     *Credential
	// Session is set once, when the orchestrator connects this side.
	Session Session
}

// Options configures the default backends.
type Options struct {
	// DriveScopes are the OAuth scopes requested for drive access.
	DriveScopes []string
	// DriveRootID is the folder drive paths resolve from.
	DriveRootID string
	// LocalRoot confines filesystem paths beneath it when set.
	LocalRoot string
	// Retry governs the retries backends run around their metadata calls.
	Retry  RetryPolicy
	Logger *slog.Logger
}

// Registry maps kinds to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[Kind]Backend
}

// NewRegistry creates a registry holding the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[Kind]Backend, len(backends))}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// DefaultRegistry returns a registry with every built-in backend.
func DefaultRegistry(opts Options) *Registry {
	gcsBackend := NewGCSBackend(opts.Logger)
	gcsBackend.Retry = opts.Retry
	driveBackend := NewDriveBackend(opts.DriveScopes, opts.DriveRootID, opts.Logger)
	driveBackend.Retry = opts.Retry
	return NewRegistry(
		NewLocalBackend(opts.LocalRoot),
		gcsBackend,
		driveBackend,
		NewS3Backend(opts.Logger),
		NewAzureBlobBackend(opts.Logger),
	)
}

// Register adds or replaces the backend for b.Kind().
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Kind()] = b
}

// Lookup returns the backend for k.
func (r *Registry) Lookup(k Kind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[k]
	if !ok {
		return nil, xferr.ErrInvalidPlatformKind.WithExtra("kind", string(k))
	}
	return b, nil
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.backends))
	for k := range r.backends {
		out = append(out, k)
	}
	return out
}

// notFound classifies a missing source as FileNotFound.
func notFound(kind Kind, path string, err error) error {
	return xferr.ErrFileNotFound.
		WithExtra("kind", string(kind)).
		WithExtra("path", path).
		Wrap(err)
}

func connectError(kind Kind, err error) error {
	return fmt.Errorf("connect %s: %w", kind, err)
}
