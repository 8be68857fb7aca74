// Package completion finalizes a multipart upload once every part is stored.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/retrypolicy"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrPartsMissing is returned when completion is requested before every part was uploaded.
var ErrPartsMissing = errors.New("not every part is uploaded")

// Completer is the store side completion call. Parts are sorted ascending by part number.
type Completer interface {
	CompleteMultipart(ctx context.Context, objectKey, uploadID string, parts []session.CompletedPart) (session.ObjectMetadata, error)
}

// StateRemover deletes the resume file of a finished upload.
type StateRemover interface {
	Delete(filePath, objectKey string) error
}

// CompletionError is a completion call that failed for good. The parts stay uploaded, a later
// run only has to repeat the completion call.
type CompletionError struct {
	ObjectKey string
	Attempts  int
	Kind      retrypolicy.FailureKind
	Err       error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("complete upload of %s failed after %d attempt(s) (%s): %s", e.ObjectKey, e.Attempts, e.Kind, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// Coordinator calls the store's completion operation with retries.
type Coordinator struct {
	completer Completer
	state     StateRemover
	policy    retrypolicy.Policy
	logger    log.Logger
}

// NewCoordinator ...
func NewCoordinator(completer Completer, state StateRemover, policy retrypolicy.Policy, logger log.Logger) *Coordinator {
	return &Coordinator{
		completer: completer,
		state:     state,
		policy:    policy,
		logger:    logger,
	}
}

// Complete submits the ascending {part number, ETag} list of sess. On success the session is
// marked Completed and its resume file removed. On failure the session is left untouched:
// still in progress with every part uploaded.
func (c *Coordinator) Complete(ctx context.Context, sess *session.Session) (session.ObjectMetadata, error) {
	if !sess.AllUploaded() {
		return session.ObjectMetadata{}, &CompletionError{
			ObjectKey: sess.ObjectKey,
			Kind:      retrypolicy.Fatal,
			Err:       fmt.Errorf("%w: %d/%d", ErrPartsMissing, sess.UploadedCount(), len(sess.Parts)),
		}
	}

	parts := sess.CompletedParts()

	var attempt int
	for {
		attempt++
		c.logger.Debugf("Completing multipart upload of %s with %d parts (attempt %d/%d)", sess.ObjectKey, len(parts), attempt, c.policy.MaxAttempts)

		meta, err := c.completer.CompleteMultipart(ctx, sess.ObjectKey, sess.UploadID, parts)
		if err == nil {
			sess.Status = session.StatusCompleted
			if meta.ObjectKey == "" {
				meta.ObjectKey = sess.ObjectKey
			}
			if meta.Size == 0 {
				meta.Size = sess.FileSize
			}

			if c.state != nil {
				if err := c.state.Delete(sess.FilePath, sess.ObjectKey); err != nil {
					c.logger.Warnf("Upload completed but the resume file could not be removed: %s", err)
				}
			}

			return meta, nil
		}

		if ctx.Err() != nil {
			return session.ObjectMetadata{}, &CompletionError{ObjectKey: sess.ObjectKey, Attempts: attempt, Kind: retrypolicy.Fatal, Err: ctx.Err()}
		}

		kind := retrypolicy.Classify(err)
		decision := c.policy.Decide(attempt, kind)
		if !decision.ShouldRetry {
			return session.ObjectMetadata{}, &CompletionError{ObjectKey: sess.ObjectKey, Attempts: attempt, Kind: kind, Err: err}
		}

		c.logger.Warnf("Completion attempt %d failed (%s), retrying after %v: %s", attempt, kind, decision.Delay.Round(time.Millisecond), err)

		timer := time.NewTimer(decision.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return session.ObjectMetadata{}, &CompletionError{ObjectKey: sess.ObjectKey, Attempts: attempt, Kind: kind, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}
