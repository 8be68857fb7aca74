// Package network talks to the remote object stores: it initiates multipart uploads, hands out
// signed part URLs and completes uploads.
package network

import (
	"context"
	"errors"
	"io"

	"github.com/bitrise-io/go-multipart-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
)

// ErrObjectNotFound is returned by StatObject when the object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// SourceFingerprintKey is the user metadata key holding the source file's fingerprint.
const SourceFingerprintKey = "source-fingerprint"

// InitiateOptions ...
type InitiateOptions struct {
	ContentType string
	// SourceFingerprint is stored with the object where the store supports user metadata,
	// and returned by StatObject.
	SourceFingerprint string
}

// Storage ...
type Storage interface {
	// InitiateUpload starts a multipart upload and returns its store side handle.
	InitiateUpload(ctx context.Context, objectKey string, opts InitiateOptions) (string, error)
	// UploadURL returns a freshly signed URL for one part.
	UploadURL(ctx context.Context, objectKey, uploadID string, partNumber int) (chunkuploader.UploadURL, error)
	// CompleteMultipart stitches the parts together. Parts must be sorted by part number.
	CompleteMultipart(ctx context.Context, objectKey, uploadID string, parts []session.CompletedPart) (session.ObjectMetadata, error)
	// PutObject uploads a small object in one request.
	PutObject(ctx context.Context, objectKey string, body io.Reader, size int64, contentType string) (session.ObjectMetadata, error)
	// StatObject returns ErrObjectNotFound if there is no such object.
	// SourceFingerprint is empty unless the object was initiated with one.
	StatObject(ctx context.Context, objectKey string) (session.ObjectMetadata, error)
}

// SignedURLProvider binds a Storage to one multipart upload, so part uploaders can ask for
// URLs by object key and part number only.
type SignedURLProvider struct {
	storage  Storage
	uploadID string
}

// NewSignedURLProvider ...
func NewSignedURLProvider(storage Storage, uploadID string) *SignedURLProvider {
	return &SignedURLProvider{storage: storage, uploadID: uploadID}
}

// UploadURL never caches: every call asks the store for a new signature.
func (p *SignedURLProvider) UploadURL(ctx context.Context, objectKey string, partNumber int) (chunkuploader.UploadURL, error) {
	return p.storage.UploadURL(ctx, objectKey, p.uploadID, partNumber)
}
