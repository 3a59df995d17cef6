package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureBlobProps holds the blob properties the adapter reports.
type AzureBlobProps struct {
	ContentType string
	Size        int64
	ETag        string
}

// AzureBlobAPI defines the subset of the azblob client the azure-blob adapter
// uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// DownloadStream opens the blob's content.
	DownloadStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, *AzureBlobProps, error)
	// UploadStream uploads r as a block blob and returns its ETag.
	UploadStream(ctx context.Context, containerName, blobName, contentType string, r io.Reader) (string, error)
}

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. If connectionString is
// non-empty, it uses connection string auth. If useManagedIdentity is true, it
// uses managed identity credentials. Otherwise it falls back to
// DefaultAzureCredential.
func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	if accountURL == "" {
		return nil, fmt.Errorf("azure credential needs account_url or connection_string")
	}

	if useManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with managed identity: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func (c *realAzureClient) DownloadStream(ctx context.Context, containerName, blobName string) (io.ReadCloser, *AzureBlobProps, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, nil, err
	}
	props := &AzureBlobProps{}
	if resp.ContentType != nil {
		props.ContentType = *resp.ContentType
	}
	if resp.ContentLength != nil {
		props.Size = *resp.ContentLength
	}
	if resp.ETag != nil {
		props.ETag = string(*resp.ETag)
	}
	return resp.Body, props, nil
}

func (c *realAzureClient) UploadStream(ctx context.Context, containerName, blobName, contentType string, r io.Reader) (string, error) {
	opts := &azblob.UploadStreamOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	resp, err := c.client.UploadStream(ctx, containerName, blobName, r, opts)
	if err != nil {
		return "", err
	}
	if resp.ETag == nil {
		return "", nil
	}
	return string(*resp.ETag), nil
}
