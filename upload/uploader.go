// Package upload uploads large files to an object store in parts, in parallel, and can resume
// an interrupted upload without sending the finished parts again.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-multipart-upload/upload/completion"
	"github.com/bitrise-io/go-multipart-upload/upload/compression"
	"github.com/bitrise-io/go-multipart-upload/upload/network"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-multipart-upload/upload/state"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

// Input describes one upload.
type Input struct {
	FilePath  string
	ObjectKey string
	// ChunkSize overrides Config.ChunkSize when set.
	ChunkSize int64
	// Concurrency overrides Config.Concurrency when set.
	Concurrency int
	// Resume continues a previous upload of the same file to the same key, if its resume file
	// is still valid. Without it a new upload is always started.
	Resume bool
	// Compress uploads a zstd compressed copy of the file instead of the file itself.
	Compress bool
	// ContentType is detected from the content when empty.
	ContentType string
}

// Uploader ...
type Uploader struct {
	storage      network.Storage
	config       Config
	store        *state.Store
	compressor   *compression.Compressor
	tracker      uploadTracker
	pathModifier pathutil.PathModifier
	logger       log.Logger
}

// NewUploader creates an uploader for the given storage backend. tracker may be nil.
func NewUploader(storage network.Storage, config Config, tracker analytics.Tracker, envRepo env.Repository, logger log.Logger) (*Uploader, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage must not be nil")
	}

	defaults := DefaultConfig()
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.Policy.MaxAttempts <= 0 {
		config.Policy = defaults.Policy
	}
	if config.FlushPolicy == nil {
		config.FlushPolicy = defaults.FlushPolicy
	}

	pathModifier := pathutil.NewPathModifier()
	stateDir := config.StateDir
	if stateDir == "" {
		dir, err := state.DefaultDir()
		if err != nil {
			return nil, err
		}
		stateDir = dir
	}
	stateDir, err := pathModifier.AbsPath(stateDir)
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}
	config.StateDir = stateDir

	return &Uploader{
		storage: storage,
		config:  config,
		store:   state.NewStore(stateDir, logger),
		compressor: compression.NewCompressor(
			filepath.Join(stateDir, "compressed"),
			logger,
			envRepo,
			compression.NewDependencyChecker(logger, envRepo)),
		tracker:      newUploadTracker(tracker),
		pathModifier: pathModifier,
		logger:       logger,
	}, nil
}

// Pending lists the uploads that can be resumed, oldest first.
func (u *Uploader) Pending() ([]state.ResumeState, error) {
	return u.store.List()
}

// Upload uploads the file and returns the metadata of the created object. Every failure is an
// *Error telling whether the progress made so far can be resumed.
func (u *Uploader) Upload(ctx context.Context, input Input) (session.ObjectMetadata, error) {
	u.logger.TDebugf("Upload start")
	defer func() {
		u.logger.TDebugf("Upload done")
	}()
	defer u.tracker.wait()

	meta, err := u.upload(ctx, input)
	if err != nil {
		if err.Cancelled() {
			u.logger.Warnf("%s", err)
		} else {
			u.logger.Errorf("%s", err)
		}
		u.tracker.logFailed(err)
		return session.ObjectMetadata{}, err
	}

	return meta, nil
}

func (u *Uploader) upload(ctx context.Context, input Input) (session.ObjectMetadata, *Error) {
	startTime := time.Now()

	if input.ObjectKey == "" {
		return session.ObjectMetadata{}, newError(input.ObjectKey, &session.PlanningError{FilePath: input.FilePath, Err: errors.New("object key must not be empty")}, false, false)
	}
	// Zero means the configured default.
	if input.ChunkSize < 0 {
		return session.ObjectMetadata{}, newError(input.ObjectKey, &session.PlanningError{FilePath: input.FilePath, Err: session.ErrInvalidChunkSize}, false, false)
	}

	filePath, err := u.pathModifier.AbsPath(input.FilePath)
	if err != nil {
		return session.ObjectMetadata{}, newError(input.ObjectKey, &session.PlanningError{FilePath: input.FilePath, Err: err}, false, false)
	}
	if _, err := session.StatFile(filePath); err != nil {
		return session.ObjectMetadata{}, newError(input.ObjectKey, err, false, false)
	}

	uploadPath := filePath
	if input.Compress {
		u.logger.Infof("Compressing %s...", filePath)
		compressed, err := u.compressor.Prepare(filePath)
		if err != nil {
			return session.ObjectMetadata{}, newError(input.ObjectKey, fmt.Errorf("compression failed: %w", err), false, false)
		}
		uploadPath = compressed
	}

	identity, err := session.StatFile(uploadPath)
	if err != nil {
		return session.ObjectMetadata{}, newError(input.ObjectKey, err, false, false)
	}
	u.logger.Printf("Upload size: %s", units.HumanSizeWithPrecision(float64(identity.Size), 3))
	u.logger.Debugf("Upload path: %s", uploadPath)

	contentType := input.ContentType
	if contentType == "" {
		contentType = network.DetectContentType(uploadPath)
	}

	if identity.Size == 0 {
		return u.putEmpty(ctx, input, contentType, startTime)
	}

	prior, reset, done, meta := u.loadPrior(ctx, input, uploadPath, identity)
	if done {
		u.logger.Donef("%s is already uploaded (%s), nothing to do", input.ObjectKey, units.HumanSizeWithPrecision(float64(meta.Size), 3))
		u.tracker.logCompleted(time.Since(startTime), identity.Size, 0, true)
		return meta, nil
	}

	chunkSize := input.ChunkSize
	if chunkSize == 0 {
		chunkSize = u.config.ChunkSize
	}
	plan, err := session.NewPlan(session.PlanInput{FilePath: uploadPath, ObjectKey: input.ObjectKey, ChunkSize: chunkSize}, prior)
	if err != nil {
		return session.ObjectMetadata{}, newError(input.ObjectKey, err, false, reset)
	}
	if plan.Discarded {
		reset = true
		u.logger.Warnf("Previous upload progress discarded: %s", plan.DiscardReason)
	}
	sess := plan.Session
	u.logger.TDebugf("Upload planned")

	if sess.UploadID == "" {
		uploadID, err := u.storage.InitiateUpload(ctx, sess.ObjectKey, network.InitiateOptions{
			ContentType:       contentType,
			SourceFingerprint: identity.Fingerprint(),
		})
		if err != nil {
			return session.ObjectMetadata{}, newError(input.ObjectKey, fmt.Errorf("initiate upload: %w", err), false, reset)
		}
		sess.UploadID = uploadID
	}
	if err := u.store.Save(state.Snapshot(sess)); err != nil {
		return session.ObjectMetadata{}, newError(input.ObjectKey, err, false, reset)
	}

	pending := len(sess.PendingIndices())
	u.tracker.logPlanned(len(sess.Parts), pending, plan.Resumed, sess.FileSize)
	if plan.Resumed {
		u.logger.Infof("Resuming upload of %s: %d/%d parts already uploaded (%s)",
			sess.ObjectKey, sess.UploadedCount(), len(sess.Parts), units.HumanSizeWithPrecision(float64(sess.UploadedBytes()), 3))
	}

	if pending > 0 {
		concurrency := input.Concurrency
		if concurrency <= 0 {
			concurrency = u.config.Concurrency
		}
		u.logger.Infof("Uploading %d parts of %s with concurrency %d...",
			pending, units.HumanSizeWithPrecision(float64(sess.ChunkSize), 3), concurrency)

		if err := u.uploadParts(ctx, sess, concurrency); err != nil {
			return session.ObjectMetadata{}, newError(input.ObjectKey, err, true, reset)
		}
		u.logger.TDebugf("Parts uploaded")
	}

	if ctx.Err() != nil {
		return session.ObjectMetadata{}, newError(input.ObjectKey, &chunkuploader.CancelledError{
			Uploaded: sess.UploadedCount(),
			Total:    len(sess.Parts),
			Cause:    ctx.Err(),
		}, true, reset)
	}

	coordinator := completion.NewCoordinator(u.storage, u.store, u.config.Policy, u.logger)
	meta, err = coordinator.Complete(ctx, sess)
	if err != nil {
		if ctx.Err() != nil {
			err = &chunkuploader.CancelledError{
				Uploaded: sess.UploadedCount(),
				Total:    len(sess.Parts),
				Cause:    err,
			}
		}
		return session.ObjectMetadata{}, newError(input.ObjectKey, err, true, reset)
	}
	if meta.ContentType == "" {
		meta.ContentType = contentType
	}

	if input.Compress {
		if err := u.compressor.Remove(filePath); err != nil {
			u.logger.Warnf("Failed to remove compressed copy: %s", err)
		}
	}

	uploadTime := time.Since(startTime).Round(time.Second)
	u.logger.Donef("Uploaded %s (%s in %d parts) in %s", sess.ObjectKey, units.HumanSizeWithPrecision(float64(sess.FileSize), 3), len(sess.Parts), uploadTime)
	u.tracker.logCompleted(uploadTime, sess.FileSize, len(sess.Parts), false)

	return meta, nil
}

// loadPrior returns the session to resume, if any. done is true when there is nothing to resume
// but the object in the store was uploaded from this exact version of the file.
func (u *Uploader) loadPrior(ctx context.Context, input Input, uploadPath string, identity session.FileIdentity) (prior *session.Session, reset, done bool, meta session.ObjectMetadata) {
	if !input.Resume {
		return nil, false, false, session.ObjectMetadata{}
	}

	st, status := u.store.Load(uploadPath, input.ObjectKey, identity)
	switch status {
	case state.LoadValid:
		return st.Session(), false, false, session.ObjectMetadata{}
	case state.LoadStale:
		// The planner discards it and reports why.
		return st.Session(), false, false, session.ObjectMetadata{}
	case state.LoadCorrupt:
		u.logger.Warnf("Ignoring unreadable resume file %s", u.store.Path(uploadPath, input.ObjectKey))
		return nil, false, false, session.ObjectMetadata{}
	}

	existing, err := u.storage.StatObject(ctx, input.ObjectKey)
	if err != nil {
		if !errors.Is(err, network.ErrObjectNotFound) {
			u.logger.Warnf("Failed to check for an existing object: %s", err)
		}
		return nil, false, false, session.ObjectMetadata{}
	}
	if existing.Size != identity.Size {
		u.logger.Debugf("Existing object has a different size (%d vs %d bytes), uploading again", existing.Size, identity.Size)
		return nil, false, false, session.ObjectMetadata{}
	}
	// A matching size says nothing about the content.
	if existing.SourceFingerprint == "" || existing.SourceFingerprint != identity.Fingerprint() {
		u.logger.Debugf("Existing object was not uploaded from this version of the file, uploading again")
		return nil, false, false, session.ObjectMetadata{}
	}
	if existing.ObjectKey == "" {
		existing.ObjectKey = input.ObjectKey
	}
	return nil, false, true, existing
}

func (u *Uploader) uploadParts(ctx context.Context, sess *session.Session, concurrency int) error {
	provider, err := chunkuploader.NewFileChunkProvider(sess.FilePath)
	if err != nil {
		return &session.PlanningError{FilePath: sess.FilePath, Err: err}
	}
	defer func() {
		if err := provider.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", sess.FilePath, err)
		}
	}()

	writer := state.NewWriter(u.store, sess, u.config.FlushPolicy, u.logger)
	defer writer.Close()

	config := u.config.chunkUploaderConfig(concurrency)
	partUploader := chunkuploader.NewPartUploader(config, network.NewSignedURLProvider(u.storage, sess.UploadID), u.logger)
	defer partUploader.CloseIdleConnections()
	scheduler := chunkuploader.NewScheduler(config, partUploader, u.logger)

	runErr := scheduler.Run(ctx, sess, provider, writer)

	stats := partUploader.Stats()
	if stats.FinishedCount() > 0 {
		u.logger.Debugf("Uploaded %d parts (%s), average attempt %s, %s/s",
			stats.FinishedCount(),
			units.HumanSizeWithPrecision(float64(stats.Bytes()), 3),
			stats.Average().Round(time.Millisecond),
			units.HumanSizeWithPrecision(stats.Throughput(), 3))
	}

	if runErr != nil {
		var cancelled *chunkuploader.CancelledError
		if !errors.As(runErr, &cancelled) {
			if err := writer.SetStatus(session.StatusAborted); err != nil {
				u.logger.Warnf("Failed to mark upload as aborted: %s", err)
			}
		}
		if err := writer.Flush(); err != nil {
			u.logger.Warnf("Failed to save upload state: %s", err)
		}
		return runErr
	}

	return writer.Flush()
}

func (u *Uploader) putEmpty(ctx context.Context, input Input, contentType string, startTime time.Time) (session.ObjectMetadata, *Error) {
	u.logger.Infof("Empty file, uploading %s in a single request", input.ObjectKey)
	meta, err := u.storage.PutObject(ctx, input.ObjectKey, bytes.NewReader(nil), 0, contentType)
	if err != nil {
		return session.ObjectMetadata{}, newError(input.ObjectKey, fmt.Errorf("put object: %w", err), false, false)
	}
	if meta.ObjectKey == "" {
		meta.ObjectKey = input.ObjectKey
	}
	u.tracker.logCompleted(time.Since(startTime), 0, 1, false)
	return meta, nil
}
