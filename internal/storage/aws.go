package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
)

// S3API defines the subset of the AWS S3 client the s3 adapter uses.
// This allows mocking in tests.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Uploader streams an object of unknown length to S3.
type S3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Credential is the credential document for the s3 kind. Empty keys fall
// back to the default AWS credential chain.
type S3Credential struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	UsePathStyle    bool   `json:"use_path_style"`
}

// S3Backend implements Backend for Amazon S3 and S3-compatible stores.
type S3Backend struct {
	logger    *slog.Logger
	newClient func(ctx context.Context, cred S3Credential) (S3API, S3Uploader, error)
}

// NewS3Backend creates an S3Backend.
func NewS3Backend(logger *slog.Logger) *S3Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Backend{logger: logger, newClient: newRealS3Client}
}

// NewS3BackendWithClient creates an S3Backend whose sessions use the given
// client and uploader. Used for testing with mock clients.
func NewS3BackendWithClient(client S3API, uploader S3Uploader, logger *slog.Logger) *S3Backend {
	b := NewS3Backend(logger)
	b.newClient = func(context.Context, S3Credential) (S3API, S3Uploader, error) { return client, uploader, nil }
	return b
}

// newRealS3Client initializes the AWS SDK client, with optional overrides for
// custom endpoint, path-style addressing, and static credentials.
func newRealS3Client(ctx context.Context, cred S3Credential) (S3API, S3Uploader, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cred.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cred.Region))
	}

	// Use static credentials if provided, otherwise fall back to default chain.
	if cred.AccessKeyID != "" && cred.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretAccessKey, cred.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cred.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cred.Endpoint)
		})
	}
	if cred.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	return client, manager.NewUploader(client), nil
}

// Kind implements Backend.
func (b *S3Backend) Kind() Kind { return KindS3 }

// Connect builds an S3 client from the credential document.
func (b *S3Backend) Connect(ctx context.Context, cred *Credential, _ string) (Session, error) {
	if cred == nil {
		return nil, connectError(KindS3, xferr.ErrMissingCredentials)
	}
	var sc S3Credential
	if len(cred.Content) > 0 {
		if err := json.Unmarshal(cred.Content, &sc); err != nil {
			return nil, connectError(KindS3, xferr.ErrInvalidCredentials.WithExtra("name", cred.Name).Wrap(err))
		}
	}
	client, uploader, err := b.newClient(ctx, sc)
	if err != nil {
		return nil, connectError(KindS3, err)
	}
	b.logger.Debug("s3 client initialized", "region", sc.Region, "endpoint", sc.Endpoint)
	return &S3Session{client: client, uploader: uploader}, nil
}

// S3Session is a connected S3 session.
type S3Session struct {
	client   S3API
	uploader S3Uploader
}

// Kind implements Session.
func (s *S3Session) Kind() Kind { return KindS3 }

// Close implements Session.
func (s *S3Session) Close() error { return nil }

// ResolveIdentity splits the path into bucket and key.
func (s *S3Session) ResolveIdentity(ref *FileRef) error {
	return resolveObjectIdentity(ref)
}

// OpenInput opens the object for reading.
func (s *S3Session) OpenInput(ctx context.Context, ref *FileRef) (*StreamResource, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Container),
		Key:    aws.String(ref.FullName),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, notFound(KindS3, ref.Container+"/"+ref.FullName, err)
		}
		return nil, fmt.Errorf("s3 get %s/%s: %w", ref.Container, ref.FullName, err)
	}
	return &StreamResource{
		Reader:      out.Body,
		ContentType: aws.ToString(out.ContentType),
		FileID:      ref.Container + "/" + ref.FullName,
		Size:        aws.ToInt64(out.ContentLength),
	}, nil
}

// OpenOutput starts a managed upload fed through a pipe.
func (s *S3Session) OpenOutput(ctx context.Context, ref *FileRef, contentType string) (*StreamResource, error) {
	if ref.Container == "" || ref.FullName == "" {
		return nil, fmt.Errorf("s3 write %q: bucket and key required", ref.PathName)
	}
	res := &StreamResource{ContentType: contentType}
	bucket, key := ref.Container, ref.FullName
	res.Writer = newPipeSink(res, func(r io.Reader) (string, string, error) {
		input := &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   r,
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		out, err := s.uploader.Upload(ctx, input)
		if err != nil {
			return "", "", fmt.Errorf("s3 upload %s/%s: %w", bucket, key, err)
		}
		id := bucket + "/" + key
		if out.VersionID != nil {
			id += "?versionId=" + *out.VersionID
		}
		return id, "", nil
	})
	return res, nil
}

// isAWSNotFound checks if an AWS error indicates a missing object or bucket.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

var _ Backend = (*S3Backend)(nil)
var _ Session = (*S3Session)(nil)
