package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-multipart-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-multipart-upload/upload/retrypolicy"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numControlRetries        = 3
	controlRetryWait         = 5 * time.Second
	defaultPresignExpiration = 15 * time.Minute
)

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the AWS endpoint, for S3 compatible stores.
	Endpoint     string
	UsePathStyle bool
	// PresignExpiration is the lifetime of a signed part URL.
	PresignExpiration time.Duration
}

// S3Storage uploads directly to an S3 bucket. Part URLs are presigned locally.
type S3Storage struct {
	client            *s3.Client
	presigner         *s3.PresignClient
	bucket            string
	presignExpiration time.Duration
	retryWait         time.Duration
	logger            log.Logger
}

// NewS3Storage ...
func NewS3Storage(ctx context.Context, params S3Params, logger log.Logger) (*S3Storage, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})

	expiration := params.PresignExpiration
	if expiration <= 0 {
		expiration = defaultPresignExpiration
	}

	return &S3Storage{
		client:            client,
		presigner:         s3.NewPresignClient(client),
		bucket:            params.Bucket,
		presignExpiration: expiration,
		retryWait:         controlRetryWait,
		logger:            logger,
	}, nil
}

// InitiateUpload ...
func (s *S3Storage) InitiateUpload(ctx context.Context, objectKey string, opts InitiateOptions) (string, error) {
	var uploadID string
	err := retry.Times(numControlRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		input := &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		}
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		if opts.SourceFingerprint != "" {
			input.Metadata = map[string]string{SourceFingerprintKey: opts.SourceFingerprint}
		}

		out, err := s.client.CreateMultipartUpload(ctx, input)
		if err != nil {
			err = classifyS3Error(err)
			return fmt.Errorf("create multipart upload: %w", err), !retrypolicy.Classify(err).Retryable()
		}
		uploadID = aws.ToString(out.UploadId)
		return nil, true
	})

	return uploadID, err
}

// UploadURL presigns an UploadPart request. No network call is made.
func (s *S3Storage) UploadURL(ctx context.Context, objectKey, uploadID string, partNumber int) (chunkuploader.UploadURL, error) {
	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(objectKey),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(s.presignExpiration))
	if err != nil {
		return chunkuploader.UploadURL{}, retrypolicy.WithKind(fmt.Errorf("presign part %d: %w", partNumber, err), retrypolicy.Fatal)
	}

	headers := make(map[string]string, len(req.SignedHeader))
	for k, v := range req.SignedHeader {
		// Host is set by the transport.
		if strings.EqualFold(k, "Host") || len(v) == 0 {
			continue
		}
		headers[k] = v[0]
	}

	return chunkuploader.UploadURL{Method: req.Method, URL: req.URL, Headers: headers}, nil
}

// CompleteMultipart performs a single CompleteMultipartUpload call; the SDK's own retries are
// switched off so the caller's policy is the only one in effect.
func (s *S3Storage) CompleteMultipart(ctx context.Context, objectKey, uploadID string, parts []session.CompletedPart) (session.ObjectMetadata, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objectKey),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	}, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
	})
	if err != nil {
		return session.ObjectMetadata{}, fmt.Errorf("complete multipart upload: %w", classifyS3Error(err))
	}

	return session.ObjectMetadata{
		Bucket:    s.bucket,
		ObjectKey: objectKey,
		ETag:      aws.ToString(out.ETag),
		Location:  aws.ToString(out.Location),
	}, nil
}

// PutObject ...
func (s *S3Storage) PutObject(ctx context.Context, objectKey string, body io.Reader, size int64, contentType string) (session.ObjectMetadata, error) {
	uploader := manager.NewUploader(s.client)

	input := &s3.PutObjectInput{
		Body:          body,
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := uploader.Upload(ctx, input)
	if err != nil {
		return session.ObjectMetadata{}, fmt.Errorf("put object: %w", classifyS3Error(err))
	}

	return session.ObjectMetadata{
		Bucket:      s.bucket,
		ObjectKey:   objectKey,
		Size:        size,
		ETag:        aws.ToString(out.ETag),
		Location:    out.Location,
		ContentType: contentType,
	}, nil
}

// StatObject ...
func (s *S3Storage) StatObject(ctx context.Context, objectKey string) (session.ObjectMetadata, error) {
	var meta session.ObjectMetadata
	err := retry.Times(numControlRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					return ErrObjectNotFound, true
				}
			}
			err = classifyS3Error(err)
			return fmt.Errorf("head object: %w", err), !retrypolicy.Classify(err).Retryable()
		}

		meta = session.ObjectMetadata{
			Bucket:      s.bucket,
			ObjectKey:   objectKey,
			Size:        aws.ToInt64(out.ContentLength),
			ETag:        aws.ToString(out.ETag),
			ContentType: aws.ToString(out.ContentType),

			SourceFingerprint: out.Metadata[SourceFingerprintKey],
		}
		return nil, true
	})

	return meta, err
}

// classifyS3Error tags SDK errors with a failure kind, based on the S3 error code first and the
// HTTP status second.
func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return retrypolicy.WithKind(err, retrypolicy.RateLimited)
		case "RequestTimeout", "RequestTimeTooSkewed":
			return retrypolicy.WithKind(err, retrypolicy.NetworkTransient)
		case "ExpiredToken", "TokenRefreshRequired":
			return retrypolicy.WithKind(err, retrypolicy.AuthExpired)
		case "InternalError", "ServiceUnavailable":
			return retrypolicy.WithKind(err, retrypolicy.ServerError)
		case "NoSuchUpload", "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "AccessDenied", "NoSuchBucket":
			return retrypolicy.WithKind(err, retrypolicy.ClientError)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return retrypolicy.WithKind(err, retrypolicy.ClassifyStatus(respErr.HTTPStatusCode()))
	}

	return err
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
