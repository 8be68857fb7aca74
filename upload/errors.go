package upload

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-multipart-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-multipart-upload/upload/completion"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-multipart-upload/upload/state"
)

// Error is returned by Uploader.Upload for every failure.
type Error struct {
	ObjectKey string
	// Resumable is true when a resume file describing the progress so far was kept, so calling
	// Upload again with Resume set continues from where this run stopped.
	Resumable bool
	// Reset is true when a previous resume file was discarded in this run because the source
	// file changed since it was written. Earlier progress is lost in that case.
	Reset bool
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("upload %s failed: %s", e.ObjectKey, e.Err)
	if e.Resumable {
		msg += " (progress is saved, run the upload again to resume)"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cancelled reports whether the upload stopped because its context was cancelled.
func (e *Error) Cancelled() bool {
	var cancelled *chunkuploader.CancelledError
	return errors.As(e.Err, &cancelled)
}

// Reason is a short machine readable failure category.
func (e *Error) Reason() string {
	var planningErr *session.PlanningError
	var partErr *chunkuploader.PartUploadError
	var persistenceErr *state.PersistenceError
	var completionErr *completion.CompletionError
	var cancelledErr *chunkuploader.CancelledError

	switch {
	case errors.As(e.Err, &planningErr):
		return "planning"
	case errors.As(e.Err, &persistenceErr):
		return "persistence"
	case errors.As(e.Err, &cancelledErr):
		return "cancelled"
	case errors.As(e.Err, &partErr):
		return "part_upload"
	case errors.As(e.Err, &completionErr):
		return "completion"
	default:
		return "storage"
	}
}

func newError(objectKey string, err error, resumable, reset bool) *Error {
	var persistenceErr *state.PersistenceError
	var planningErr *session.PlanningError
	if errors.As(err, &persistenceErr) || errors.As(err, &planningErr) {
		resumable = false
	}
	return &Error{ObjectKey: objectKey, Resumable: resumable, Reset: reset, Err: err}
}
