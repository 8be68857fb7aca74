package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// NewDefaultTracker sends upload events to the analytics backend, tagged with the build the
// upload runs in.
func NewDefaultTracker(envRepo env.Repository, logger log.Logger) analytics.Tracker {
	p := analytics.Properties{
		"build_slug":        envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":          envRepo.Get("BITRISE_APP_SLUG"),
		"step_execution_id": envRepo.Get("BITRISE_STEP_EXECUTION_ID"),
	}
	return analytics.NewDefaultTracker(logger, p)
}

type uploadTracker struct {
	tracker analytics.Tracker
}

func newUploadTracker(tracker analytics.Tracker) uploadTracker {
	return uploadTracker{tracker: tracker}
}

func (t uploadTracker) logPlanned(totalParts, pendingParts int, resumed bool, fileSize int64) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("multipart_upload_planned", analytics.Properties{
		"total_parts":     totalParts,
		"pending_parts":   pendingParts,
		"resumed":         resumed,
		"file_size_bytes": fileSize,
	})
}

func (t uploadTracker) logCompleted(uploadTime time.Duration, fileSize int64, partCount int, skipped bool) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("multipart_upload_completed", analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": fileSize,
		"part_count":        partCount,
		"skipped":           skipped,
	})
}

func (t uploadTracker) logFailed(uploadErr *Error) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue("multipart_upload_failed", analytics.Properties{
		"reason":    uploadErr.Reason(),
		"resumable": uploadErr.Resumable,
		"reset":     uploadErr.Reset,
	})
}

func (t uploadTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
