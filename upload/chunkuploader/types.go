// Package chunkuploader uploads the parts of a multipart upload session to signed URLs.
// It supports parallel uploads with a hard concurrency bound, hung request detection and
// policy driven retries.
package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-multipart-upload/upload/retrypolicy"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
)

// UploadURL represents a signed URL for uploading a single part.
type UploadURL struct {
	Method  string
	URL     string
	Headers map[string]string
}

// URLProvider hands out a signed URL for one part. It is called before every attempt; the
// returned URL must not be reused for another attempt.
type URLProvider interface {
	UploadURL(ctx context.Context, objectKey string, partNumber int) (UploadURL, error)
}

// URLProviderFunc adapts a function to URLProvider.
type URLProviderFunc func(ctx context.Context, objectKey string, partNumber int) (UploadURL, error)

// UploadURL ...
func (f URLProviderFunc) UploadURL(ctx context.Context, objectKey string, partNumber int) (UploadURL, error) {
	return f(ctx, objectKey, partNumber)
}

// Recorder receives part completions. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordPart(part session.PartRecord) error
	Flush() error
}

// PartError is the terminal failure of a single part.
type PartError struct {
	PartNumber int
	Attempts   int
	Kind       retrypolicy.FailureKind
	Err        error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("part %d failed after %d attempt(s) (%s): %s", e.PartNumber, e.Attempts, e.Kind, e.Err)
}

func (e *PartError) Unwrap() error {
	return e.Err
}

// PartUploadError aggregates the terminal part failures of a scheduler run. The session's
// uploaded parts are kept, so the upload can be resumed.
type PartUploadError struct {
	Parts []*PartError
}

func (e *PartUploadError) Error() string {
	msgs := make([]string, 0, len(e.Parts))
	for _, p := range e.Parts {
		msgs = append(msgs, p.Error())
	}
	return fmt.Sprintf("%d part(s) failed: %s", len(e.Parts), strings.Join(msgs, "; "))
}

func (e *PartUploadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Parts))
	for _, p := range e.Parts {
		errs = append(errs, p)
	}
	return errs
}

// CancelledError is returned when the run was cancelled from the outside. It is not a failure:
// the resume state was flushed and the upload can continue later.
type CancelledError struct {
	Uploaded int
	Total    int
	Cause    error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("upload cancelled with %d/%d parts uploaded: %s", e.Uploaded, e.Total, e.Cause)
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

var (
	errAttemptTimeout = errors.New("part upload attempt timed out")
	errHungAttempt    = errors.New("part upload attempt hung")
	errMissingETag    = errors.New("no ETag in response")
)
