package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-multipart-upload/upload/retrypolicy"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOParams ...
type MinIOParams struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Region skips the bucket location lookup when set.
	Region string
	// PresignExpiration is the lifetime of a signed part URL.
	PresignExpiration time.Duration
}

// MinIOStorage uploads to a MinIO (or other S3 compatible) server through the MinIO SDK.
type MinIOStorage struct {
	core              *minio.Core
	bucket            string
	presignExpiration time.Duration
	retryWait         time.Duration
	logger            log.Logger
}

// NewMinIOStorage ...
func NewMinIOStorage(params MinIOParams, logger log.Logger) (*MinIOStorage, error) {
	if params.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if params.AccessKey == "" {
		return nil, fmt.Errorf("minio accessKey is required")
	}
	if params.SecretKey == "" {
		return nil, fmt.Errorf("minio secretKey is required")
	}
	if params.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}

	core, err := minio.NewCore(params.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(params.AccessKey, params.SecretKey, ""),
		Secure: params.UseSSL,
		Region: params.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio core failed: %w", err)
	}

	expiration := params.PresignExpiration
	if expiration <= 0 {
		expiration = defaultPresignExpiration
	}

	return &MinIOStorage{
		core:              core,
		bucket:            params.Bucket,
		presignExpiration: expiration,
		retryWait:         controlRetryWait,
		logger:            logger,
	}, nil
}

// InitiateUpload ...
func (s *MinIOStorage) InitiateUpload(ctx context.Context, objectKey string, initOpts InitiateOptions) (string, error) {
	opts := minio.PutObjectOptions{}
	if initOpts.ContentType != "" {
		opts.ContentType = initOpts.ContentType
	}
	if initOpts.SourceFingerprint != "" {
		opts.UserMetadata = map[string]string{SourceFingerprintKey: initOpts.SourceFingerprint}
	}

	var uploadID string
	err := retry.Times(numControlRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		id, err := s.core.NewMultipartUpload(ctx, s.bucket, objectKey, opts)
		if err != nil {
			err = classifyMinIOError(err)
			return fmt.Errorf("minio new multipart upload failed: %w", err), !retrypolicy.Classify(err).Retryable()
		}
		uploadID = id
		return nil, true
	})

	return uploadID, err
}

// UploadURL presigns a PUT to /{bucket}/{objectKey}?partNumber=N&uploadId=...
// Content-Type is not signed, so any client can send the part.
func (s *MinIOStorage) UploadURL(ctx context.Context, objectKey, uploadID string, partNumber int) (chunkuploader.UploadURL, error) {
	if uploadID == "" {
		return chunkuploader.UploadURL{}, retrypolicy.WithKind(fmt.Errorf("uploadID is required"), retrypolicy.Fatal)
	}

	reqParams := make(url.Values)
	reqParams.Set("partNumber", strconv.Itoa(partNumber))
	reqParams.Set("uploadId", uploadID)

	u, err := s.core.Presign(ctx, http.MethodPut, s.bucket, objectKey, s.presignExpiration, reqParams)
	if err != nil {
		return chunkuploader.UploadURL{}, fmt.Errorf("minio presign upload part failed: %w", classifyMinIOError(err))
	}

	return chunkuploader.UploadURL{Method: http.MethodPut, URL: u.String()}, nil
}

// CompleteMultipart ...
func (s *MinIOStorage) CompleteMultipart(ctx context.Context, objectKey, uploadID string, parts []session.CompletedPart) (session.ObjectMetadata, error) {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		})
	}

	info, err := s.core.CompleteMultipartUpload(ctx, s.bucket, objectKey, uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return session.ObjectMetadata{}, fmt.Errorf("minio complete multipart upload failed: %w", classifyMinIOError(err))
	}

	return session.ObjectMetadata{
		Bucket:    info.Bucket,
		ObjectKey: objectKey,
		Size:      info.Size,
		ETag:      info.ETag,
		Location:  info.Location,
	}, nil
}

// PutObject ...
func (s *MinIOStorage) PutObject(ctx context.Context, objectKey string, body io.Reader, size int64, contentType string) (session.ObjectMetadata, error) {
	opts := minio.PutObjectOptions{}
	if contentType != "" {
		opts.ContentType = contentType
	}

	info, err := s.core.PutObject(ctx, s.bucket, objectKey, body, size, "", "", opts)
	if err != nil {
		return session.ObjectMetadata{}, fmt.Errorf("minio put object failed: %w", classifyMinIOError(err))
	}

	return session.ObjectMetadata{
		Bucket:      s.bucket,
		ObjectKey:   objectKey,
		Size:        info.Size,
		ETag:        info.ETag,
		ContentType: contentType,
	}, nil
}

// StatObject ...
func (s *MinIOStorage) StatObject(ctx context.Context, objectKey string) (session.ObjectMetadata, error) {
	var meta session.ObjectMetadata
	err := retry.Times(numControlRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		info, err := s.core.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
		if err != nil {
			if minio.ToErrorResponse(err).Code == "NoSuchKey" {
				return ErrObjectNotFound, true
			}
			err = classifyMinIOError(err)
			return fmt.Errorf("minio stat object failed: %w", err), !retrypolicy.Classify(err).Retryable()
		}

		meta = session.ObjectMetadata{
			Bucket:      s.bucket,
			ObjectKey:   objectKey,
			Size:        info.Size,
			ETag:        info.ETag,
			ContentType: info.ContentType,

			SourceFingerprint: info.Metadata.Get("X-Amz-Meta-" + SourceFingerprintKey),
		}
		return nil, true
	})

	return meta, err
}

func classifyMinIOError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "SlowDown", "SlowDownWrite", "SlowDownRead":
		return retrypolicy.WithKind(err, retrypolicy.RateLimited)
	case "RequestTimeout":
		return retrypolicy.WithKind(err, retrypolicy.NetworkTransient)
	case "ExpiredToken":
		return retrypolicy.WithKind(err, retrypolicy.AuthExpired)
	}
	if resp.StatusCode != 0 {
		return retrypolicy.WithKind(err, retrypolicy.ClassifyStatus(resp.StatusCode))
	}
	return err
}
