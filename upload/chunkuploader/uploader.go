package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/retrypolicy"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
)

// PartUploader uploads a single part with retry and hung detection.
type PartUploader struct {
	config     Config
	httpClient *http.Client
	urls       URLProvider
	logger     log.Logger
	stats      *Stats

	hungCheckInterval time.Duration
}

// NewPartUploader creates a PartUploader fetching its signed URLs from urls.
func NewPartUploader(config Config, urls URLProvider, logger log.Logger) *PartUploader {
	config = config.withDefaults()

	return &PartUploader{
		config:     config,
		httpClient: config.HTTPClient,
		urls:       urls,
		logger:     logger,
		stats:      NewStats(),

		hungCheckInterval: time.Second,
	}
}

// Stats returns the upload statistics.
func (u *PartUploader) Stats() *Stats {
	return u.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *PartUploader) CloseIdleConnections() {
	u.httpClient.CloseIdleConnections()
}

// UploadPart uploads the part's byte range and returns the updated record: Uploaded with its
// ETag, or Failed with a *PartError once the retry policy gives up. Attempts is incremented
// once per attempt. If ctx is cancelled between attempts the record comes back Pending with
// the context error.
func (u *PartUploader) UploadPart(ctx context.Context, objectKey string, part session.PartRecord, provider ChunkProvider) (session.PartRecord, error) {
	return u.uploadPart(ctx, ctx, objectKey, part, provider)
}

// uploadPart runs the retry loop on ctx while attempts run on inflight. The scheduler detaches
// inflight from ctx so a cancellation lets a running request finish.
func (u *PartUploader) uploadPart(ctx, inflight context.Context, objectKey string, part session.PartRecord, provider ChunkProvider) (session.PartRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			part.State = session.PartPending
			return part, fmt.Errorf("part %d upload cancelled: %w", part.PartNumber, err)
		}

		part.Attempts++
		part.State = session.PartUploading

		u.logger.Debugf("Uploading part %d (attempt %d/%d) [finished=%d] [avg=%v]",
			part.PartNumber, part.Attempts, u.config.Policy.MaxAttempts,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		etag, err := u.attempt(inflight, objectKey, part, provider, start)
		if err == nil {
			took := time.Since(start)
			u.stats.Record(took, part.Range.Length)
			u.logger.Debugf("Part %d uploaded in %v, ETag: %s", part.PartNumber, took.Round(time.Millisecond), etag)

			part.State = session.PartUploaded
			part.ETag = etag
			return part, nil
		}

		if ctx.Err() != nil {
			part.State = session.PartPending
			return part, fmt.Errorf("part %d upload cancelled: %w", part.PartNumber, ctx.Err())
		}

		kind := retrypolicy.Classify(err)
		decision := u.config.Policy.Decide(part.Attempts, kind)
		if !decision.ShouldRetry {
			u.logger.Errorf("Part %d failed after %d attempt(s) (%s): %s", part.PartNumber, part.Attempts, kind, err)
			part.State = session.PartFailed
			part.ETag = ""
			return part, &PartError{PartNumber: part.PartNumber, Attempts: part.Attempts, Kind: kind, Err: err}
		}

		if decision.RefreshURL {
			u.logger.Warnf("Part %d attempt %d failed (%s), requesting a new signed URL: %s", part.PartNumber, part.Attempts, kind, err)
		} else {
			u.logger.Warnf("Part %d attempt %d failed (%s), retrying after %v: %s", part.PartNumber, part.Attempts, kind, decision.Delay.Round(time.Millisecond), err)
		}

		if err := sleep(ctx, decision.Delay); err != nil {
			part.State = session.PartPending
			return part, fmt.Errorf("part %d upload cancelled: %w", part.PartNumber, err)
		}
	}
}

func (u *PartUploader) attempt(ctx context.Context, objectKey string, part session.PartRecord, provider ChunkProvider, start time.Time) (string, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if u.config.AttemptTimeout > 0 {
		var cancelTimeout context.CancelFunc
		attemptCtx, cancelTimeout = context.WithTimeoutCause(attemptCtx, u.config.AttemptTimeout, errAttemptTimeout)
		defer cancelTimeout()
	}

	// No hung detection on the last attempt: there is nothing left to retry with.
	if part.Attempts < u.config.Policy.MaxAttempts && u.config.HungThreshold > 0 {
		go u.detectHungUpload(attemptCtx, cancel, start, part.PartNumber)
	}

	etag, err := u.put(attemptCtx, objectKey, part, provider)
	if err != nil && ctx.Err() == nil {
		if cause := context.Cause(attemptCtx); errors.Is(cause, errAttemptTimeout) || errors.Is(cause, errHungAttempt) {
			return "", retrypolicy.WithKind(fmt.Errorf("%w: %s", cause, err), retrypolicy.NetworkTransient)
		}
	}

	return etag, err
}

func (u *PartUploader) detectHungUpload(ctx context.Context, cancel context.CancelCauseFunc, start time.Time, partNumber int) {
	ticker := time.NewTicker(u.hungCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung part upload (part %d); canceling request after %s (avg: %s)",
						partNumber, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel(errHungAttempt)
					return
				}
			}
		}
	}
}

func (u *PartUploader) put(ctx context.Context, objectKey string, part session.PartRecord, provider ChunkProvider) (string, error) {
	url, err := u.urls.UploadURL(ctx, objectKey, part.PartNumber)
	if err != nil {
		return "", fmt.Errorf("get upload url for part %d: %w", part.PartNumber, err)
	}

	body, err := provider.GetChunk(part.Range)
	if err != nil {
		return "", retrypolicy.WithKind(fmt.Errorf("read part %d: %w", part.PartNumber, err), retrypolicy.Fatal)
	}

	method := url.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, url.URL, body)
	if err != nil {
		return "", retrypolicy.WithKind(fmt.Errorf("create request: %w", err), retrypolicy.Fatal)
	}

	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = part.Range.Length

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if err := resp.Body.Close(); err != nil {
			u.logger.Debugf("Failed to close response body: %s", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", retrypolicy.NewStatusError(resp)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", retrypolicy.WithKind(errMissingETag, retrypolicy.Fatal)
	}

	return etag, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
