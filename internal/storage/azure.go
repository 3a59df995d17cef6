package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
)

// AzureCredential is the credential document for the azure-blob kind.
type AzureCredential struct {
	AccountURL         string `json:"account_url"`
	ConnectionString   string `json:"connection_string"`
	UseManagedIdentity bool   `json:"use_managed_identity"`
}

// AzureBlobBackend implements Backend for Azure Blob Storage. The first path
// segment names the container.
type AzureBlobBackend struct {
	logger    *slog.Logger
	newClient func(cred AzureCredential) (AzureBlobAPI, error)
}

// NewAzureBlobBackend creates an AzureBlobBackend.
func NewAzureBlobBackend(logger *slog.Logger) *AzureBlobBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &AzureBlobBackend{
		logger: logger,
		newClient: func(cred AzureCredential) (AzureBlobAPI, error) {
			return newRealAzureClient(cred.AccountURL, cred.ConnectionString, cred.UseManagedIdentity)
		},
	}
}

// NewAzureBlobBackendWithClient creates an AzureBlobBackend whose sessions
// use client. Used for testing with mock clients.
func NewAzureBlobBackendWithClient(client AzureBlobAPI, logger *slog.Logger) *AzureBlobBackend {
	b := NewAzureBlobBackend(logger)
	b.newClient = func(AzureCredential) (AzureBlobAPI, error) { return client, nil }
	return b
}

// Kind implements Backend.
func (b *AzureBlobBackend) Kind() Kind { return KindAzureBlob }

// Connect builds a blob client from the credential document.
func (b *AzureBlobBackend) Connect(_ context.Context, cred *Credential, _ string) (Session, error) {
	if cred == nil {
		return nil, connectError(KindAzureBlob, xferr.ErrMissingCredentials)
	}
	var ac AzureCredential
	if len(cred.Content) > 0 {
		if err := json.Unmarshal(cred.Content, &ac); err != nil {
			return nil, connectError(KindAzureBlob, xferr.ErrInvalidCredentials.WithExtra("name", cred.Name).Wrap(err))
		}
	}
	client, err := b.newClient(ac)
	if err != nil {
		return nil, connectError(KindAzureBlob, err)
	}
	return &AzureBlobSession{client: client}, nil
}

// AzureBlobSession is a connected Azure Blob session.
type AzureBlobSession struct {
	client AzureBlobAPI
}

// Kind implements Session.
func (s *AzureBlobSession) Kind() Kind { return KindAzureBlob }

// Close implements Session.
func (s *AzureBlobSession) Close() error { return nil }

// ResolveIdentity splits the path into container and blob name.
func (s *AzureBlobSession) ResolveIdentity(ref *FileRef) error {
	return resolveObjectIdentity(ref)
}

// OpenInput opens the blob for reading.
func (s *AzureBlobSession) OpenInput(ctx context.Context, ref *FileRef) (*StreamResource, error) {
	body, props, err := s.client.DownloadStream(ctx, ref.Container, ref.FullName)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, notFound(KindAzureBlob, ref.Container+"/"+ref.FullName, err)
		}
		return nil, fmt.Errorf("azure download %s/%s: %w", ref.Container, ref.FullName, err)
	}
	return &StreamResource{
		Reader:      body,
		ContentType: props.ContentType,
		FileID:      ref.Container + "/" + ref.FullName,
		Size:        props.Size,
	}, nil
}

// OpenOutput starts a streamed block-blob upload fed through a pipe.
func (s *AzureBlobSession) OpenOutput(ctx context.Context, ref *FileRef, contentType string) (*StreamResource, error) {
	if ref.Container == "" || ref.FullName == "" {
		return nil, fmt.Errorf("azure write %q: container and blob name required", ref.PathName)
	}
	res := &StreamResource{ContentType: contentType}
	container, name := ref.Container, ref.FullName
	res.Writer = newPipeSink(res, func(r io.Reader) (string, string, error) {
		if _, err := s.client.UploadStream(ctx, container, name, contentType, r); err != nil {
			return "", "", fmt.Errorf("azure upload %s/%s: %w", container, name, err)
		}
		return container + "/" + name, "", nil
	})
	return res, nil
}

// isAzureNotFound checks if an Azure error indicates a missing blob or container.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "BlobNotFound") ||
		strings.Contains(msg, "ContainerNotFound") ||
		strings.Contains(msg, "404")
}

var _ Backend = (*AzureBlobBackend)(nil)
var _ Session = (*AzureBlobSession)(nil)
