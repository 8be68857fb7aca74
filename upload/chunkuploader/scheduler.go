package chunkuploader

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/semaphore"
)

type partResult struct {
	index int
	part  session.PartRecord
	err   error
}

// Scheduler drives the pending parts of a session through a PartUploader with at most
// Concurrency uploads in flight.
type Scheduler struct {
	uploader    *PartUploader
	concurrency int
	gracePeriod time.Duration
	logger      log.Logger
}

// NewScheduler ...
func NewScheduler(config Config, uploader *PartUploader, logger log.Logger) *Scheduler {
	config = config.withDefaults()

	return &Scheduler{
		uploader:    uploader,
		concurrency: config.Concurrency,
		gracePeriod: config.GracePeriod,
		logger:      logger,
	}
}

// Run uploads every part of sess that is not Uploaded yet and updates sess in place.
//
// Each finished part (uploaded or failed for good) is handed to recorder before the scheduler
// moves on. When a part fails for good, or recorder fails, no new parts are started; parts in
// flight are allowed to finish and then a *PartUploadError (or the recorder's error) is
// returned. When ctx is cancelled, in-flight parts get the grace period to finish, are
// abandoned afterwards, the recorder is flushed once, and a *CancelledError is returned.
func (s *Scheduler) Run(ctx context.Context, sess *session.Session, provider ChunkProvider, recorder Recorder) error {
	pending := sess.PendingIndices()
	if len(pending) == 0 {
		return nil
	}

	s.logger.Debugf("Scheduling %d/%d parts with concurrency %d", len(pending), len(sess.Parts), s.concurrency)

	// In-flight requests survive ctx cancellation until the grace period runs out.
	inflight, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	sem := semaphore.NewWeighted(int64(s.concurrency))
	results := make(chan partResult, len(pending))

	var stop atomic.Bool
	var recordErr atomic.Pointer[error]

	dispatched := 0
	for _, index := range pending {
		if stop.Load() || ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if stop.Load() {
			sem.Release(1)
			break
		}

		part := sess.Parts[index]
		sess.Parts[index].State = session.PartUploading
		dispatched++

		go func(index int, part session.PartRecord) {
			defer sem.Release(1)

			result, err := s.uploader.uploadPart(ctx, inflight, sess.ObjectKey, part, provider)
			if err == nil || isPartError(err) {
				if recErr := recorder.RecordPart(result); recErr != nil {
					recordErr.CompareAndSwap(nil, &recErr)
					stop.Store(true)
				}
			}
			if isPartError(err) {
				stop.Store(true)
			}

			results <- partResult{index: index, part: result, err: err}
		}(index, part)
	}

	var partErrors []*PartError
	var grace <-chan time.Time
	var graceTimer *time.Timer
	done := ctx.Done()
	abandoned := false

	for collected := 0; collected < dispatched && !abandoned; {
		select {
		case r := <-results:
			collected++
			sess.Parts[r.index] = r.part

			var partErr *PartError
			if errors.As(r.err, &partErr) {
				partErrors = append(partErrors, partErr)
			}
		case <-done:
			done = nil
			s.logger.Warnf("Upload cancelled, waiting up to %s for in-flight parts", s.gracePeriod)
			graceTimer = time.NewTimer(s.gracePeriod)
			grace = graceTimer.C
		case <-grace:
			s.logger.Warnf("Abandoning in-flight parts after %s", s.gracePeriod)
			abandon()
			abandoned = true
		}
	}

	if graceTimer != nil {
		graceTimer.Stop()
	}

	// Parts whose outcome was not collected are not known to be uploaded.
	for i := range sess.Parts {
		if sess.Parts[i].State == session.PartUploading {
			sess.Parts[i].State = session.PartPending
		}
	}

	if ctx.Err() != nil && !sess.AllUploaded() {
		if err := recorder.Flush(); err != nil {
			s.logger.Warnf("Failed to save upload state on cancellation: %s", err)
		}
		return &CancelledError{Uploaded: sess.UploadedCount(), Total: len(sess.Parts), Cause: ctx.Err()}
	}

	if errPtr := recordErr.Load(); errPtr != nil {
		return *errPtr
	}

	if len(partErrors) > 0 {
		return &PartUploadError{Parts: partErrors}
	}

	return nil
}

func isPartError(err error) bool {
	var partErr *PartError
	return errors.As(err, &partErr)
}
