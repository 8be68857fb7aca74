package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/retrypolicy"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a part upload endpoint at /part/{n}. It keeps the bytes it accepted.
type fakeStore struct {
	mu      sync.Mutex
	parts   map[int][]byte
	handler func(w http.ResponseWriter, r *http.Request, partNumber int) bool

	requests  atomic.Int32
	urlCalls  atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
}

func newFakeStore(t *testing.T) (*fakeStore, *httptest.Server) {
	store := &fakeStore{parts: map[int][]byte{}}
	server := httptest.NewServer(store)
	t.Cleanup(server.Close)
	return store, server
}

func (s *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	active := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.maxActive.Load()
		if active <= peak || s.maxActive.CompareAndSwap(peak, active) {
			break
		}
	}

	partNumber, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/part/"))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-r.Context().Done():
			return
		}
	}

	if s.handler != nil && s.handler(w, r, partNumber) {
		return
	}

	s.mu.Lock()
	s.parts[partNumber] = body
	s.mu.Unlock()

	w.Header().Set("ETag", fmt.Sprintf("\"etag-%d\"", partNumber))
	w.WriteHeader(http.StatusOK)
}

func (s *fakeStore) urls(baseURL string) URLProvider {
	return URLProviderFunc(func(ctx context.Context, objectKey string, partNumber int) (UploadURL, error) {
		s.urlCalls.Add(1)
		return UploadURL{
			Method:  http.MethodPut,
			URL:     fmt.Sprintf("%s/part/%d", baseURL, partNumber),
			Headers: map[string]string{"Content-Type": "application/octet-stream"},
		}, nil
	})
}

func (s *fakeStore) assembled(count int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	for i := 1; i <= count; i++ {
		out = append(out, s.parts[i]...)
	}
	return out
}

func testConfig() Config {
	config := DefaultConfig()
	config.Policy = retrypolicy.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	config.HungThreshold = 0
	config.GracePeriod = 2 * time.Second
	return config
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

func firstPart(size int64) session.PartRecord {
	return session.PartRecord{PartNumber: 1, Range: session.ByteRange{Offset: 0, Length: size}, State: session.PartPending}
}

func TestPartUploader_Success(t *testing.T) {
	store, server := newFakeStore(t)
	data := testData(64)

	uploader := NewPartUploader(testConfig(), store.urls(server.URL), log.NewLogger())
	defer uploader.CloseIdleConnections()

	part, err := uploader.UploadPart(context.Background(), "obj", firstPart(64), NewByteSliceChunkProvider(data))
	require.NoError(t, err)

	assert.Equal(t, session.PartUploaded, part.State)
	assert.Equal(t, `"etag-1"`, part.ETag)
	assert.Equal(t, 1, part.Attempts)
	assert.Equal(t, data, store.assembled(1))
	assert.Equal(t, int64(1), uploader.Stats().FinishedCount())
	assert.Equal(t, int64(64), uploader.Stats().Bytes())
}

func TestPartUploader_TransientFailureRetriedWithFreshURL(t *testing.T) {
	store, server := newFakeStore(t)
	store.handler = func(w http.ResponseWriter, r *http.Request, partNumber int) bool {
		if store.requests.Load() == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("slow down"))
			return true
		}
		return false
	}
	data := testData(100)

	uploader := NewPartUploader(testConfig(), store.urls(server.URL), log.NewLogger())
	part, err := uploader.UploadPart(context.Background(), "obj", firstPart(100), NewByteSliceChunkProvider(data))
	require.NoError(t, err)

	assert.Equal(t, 2, part.Attempts)
	assert.Equal(t, int32(2), store.urlCalls.Load(), "a signed URL is requested for every attempt")
	assert.Equal(t, data, store.assembled(1), "the retried body is sent from the start")
}

func TestPartUploader_RetryExhaustion(t *testing.T) {
	store, server := newFakeStore(t)
	store.handler = func(w http.ResponseWriter, r *http.Request, partNumber int) bool {
		w.WriteHeader(http.StatusInternalServerError)
		return true
	}

	config := testConfig()
	uploader := NewPartUploader(config, store.urls(server.URL), log.NewLogger())
	part, err := uploader.UploadPart(context.Background(), "obj", firstPart(10), NewByteSliceChunkProvider(testData(10)))

	var partErr *PartError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, retrypolicy.ServerError, partErr.Kind)
	assert.Equal(t, config.Policy.MaxAttempts, partErr.Attempts)
	assert.Equal(t, config.Policy.MaxAttempts, part.Attempts)
	assert.Equal(t, session.PartFailed, part.State)
	assert.Equal(t, int32(config.Policy.MaxAttempts), store.requests.Load(), "no attempt beyond the maximum")

	var statusErr *retrypolicy.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}

func TestPartUploader_NonRetryableFailures(t *testing.T) {
	tests := []struct {
		name     string
		handler  func(w http.ResponseWriter)
		wantKind retrypolicy.FailureKind
	}{
		{
			name: "client error",
			handler: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadRequest)
			},
			wantKind: retrypolicy.ClientError,
		},
		{
			name: "missing etag",
			handler: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusOK)
			},
			wantKind: retrypolicy.Fatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, server := newFakeStore(t)
			store.handler = func(w http.ResponseWriter, r *http.Request, partNumber int) bool {
				tt.handler(w)
				return true
			}

			uploader := NewPartUploader(testConfig(), store.urls(server.URL), log.NewLogger())
			part, err := uploader.UploadPart(context.Background(), "obj", firstPart(10), NewByteSliceChunkProvider(testData(10)))

			var partErr *PartError
			require.ErrorAs(t, err, &partErr)
			assert.Equal(t, tt.wantKind, partErr.Kind)
			assert.Equal(t, 1, part.Attempts)
			assert.Equal(t, int32(1), store.requests.Load())
		})
	}
}

func TestPartUploader_ExpiredURLIsRefreshed(t *testing.T) {
	store, server := newFakeStore(t)
	store.handler = func(w http.ResponseWriter, r *http.Request, partNumber int) bool {
		if store.requests.Load() == 1 {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("<Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>"))
			return true
		}
		return false
	}

	uploader := NewPartUploader(testConfig(), store.urls(server.URL), log.NewLogger())
	part, err := uploader.UploadPart(context.Background(), "obj", firstPart(10), NewByteSliceChunkProvider(testData(10)))
	require.NoError(t, err)
	assert.Equal(t, 2, part.Attempts)
	assert.Equal(t, int32(2), store.urlCalls.Load())
}

func TestPartUploader_URLProviderFailureCountsAsAttempt(t *testing.T) {
	var calls atomic.Int32
	urls := URLProviderFunc(func(ctx context.Context, objectKey string, partNumber int) (UploadURL, error) {
		calls.Add(1)
		return UploadURL{}, &retrypolicy.StatusError{StatusCode: http.StatusBadGateway, Body: "bad gateway"}
	})

	config := testConfig()
	uploader := NewPartUploader(config, urls, log.NewLogger())
	part, err := uploader.UploadPart(context.Background(), "obj", firstPart(10), NewByteSliceChunkProvider(testData(10)))

	require.Error(t, err)
	assert.Equal(t, config.Policy.MaxAttempts, part.Attempts)
	assert.Equal(t, int32(config.Policy.MaxAttempts), calls.Load())
}

func TestPartUploader_AttemptTimeoutIsTransient(t *testing.T) {
	store, server := newFakeStore(t)
	store.delay = time.Second

	config := testConfig()
	config.Policy.MaxAttempts = 2
	config.AttemptTimeout = 50 * time.Millisecond

	uploader := NewPartUploader(config, store.urls(server.URL), log.NewLogger())
	part, err := uploader.UploadPart(context.Background(), "obj", firstPart(10), NewByteSliceChunkProvider(testData(10)))

	var partErr *PartError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, retrypolicy.NetworkTransient, partErr.Kind)
	assert.True(t, errors.Is(err, errAttemptTimeout))
	assert.Equal(t, 2, part.Attempts)
}

func hungTestUploader(store *fakeStore, baseURL string, maxAttempts int) *PartUploader {
	config := testConfig()
	config.Policy.MaxAttempts = maxAttempts
	config.HungThreshold = 50 * time.Millisecond

	uploader := NewPartUploader(config, store.urls(baseURL), log.NewLogger())
	uploader.hungCheckInterval = 10 * time.Millisecond
	// One fast part gives the detector an average to compare with.
	uploader.Stats().Record(time.Millisecond, 1)
	return uploader
}

func TestPartUploader_HungAttemptIsCancelledAndRetried(t *testing.T) {
	store, server := newFakeStore(t)
	var attempts atomic.Int32
	store.handler = func(w http.ResponseWriter, r *http.Request, _ int) bool {
		if attempts.Add(1) > 1 {
			return false
		}
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
		return true
	}
	data := testData(32)

	uploader := hungTestUploader(store, server.URL, 3)
	defer uploader.CloseIdleConnections()

	start := time.Now()
	part, err := uploader.UploadPart(context.Background(), "obj", firstPart(32), NewByteSliceChunkProvider(data))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, session.PartUploaded, part.State)
	assert.Equal(t, 2, part.Attempts)
	assert.Equal(t, int32(2), store.requests.Load())
	assert.Equal(t, data, store.assembled(1))
}

func TestPartUploader_HungAttemptIsNetworkTransient(t *testing.T) {
	store, server := newFakeStore(t)
	store.handler = func(w http.ResponseWriter, r *http.Request, _ int) bool {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
		return true
	}

	uploader := hungTestUploader(store, server.URL, 3)
	defer uploader.CloseIdleConnections()

	part := firstPart(16)
	part.Attempts = 1
	_, err := uploader.attempt(context.Background(), "obj", part, NewByteSliceChunkProvider(testData(16)), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errHungAttempt))
	assert.Equal(t, retrypolicy.NetworkTransient, retrypolicy.Classify(err))
}

func TestPartUploader_LastAttemptIsNotTreatedAsHung(t *testing.T) {
	store, server := newFakeStore(t)
	var attempts atomic.Int32
	store.handler = func(w http.ResponseWriter, r *http.Request, _ int) bool {
		switch attempts.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		default:
			time.Sleep(300 * time.Millisecond)
			return false
		}
	}
	data := testData(32)

	uploader := hungTestUploader(store, server.URL, 2)
	defer uploader.CloseIdleConnections()

	part, err := uploader.UploadPart(context.Background(), "obj", firstPart(32), NewByteSliceChunkProvider(data))
	require.NoError(t, err)

	assert.Equal(t, session.PartUploaded, part.State)
	assert.Equal(t, 2, part.Attempts)
	assert.Equal(t, int32(2), store.requests.Load())
}

func TestPartUploader_ContextCancellation(t *testing.T) {
	store, server := newFakeStore(t)
	store.handler = func(w http.ResponseWriter, r *http.Request, partNumber int) bool {
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}

	config := testConfig()
	config.Policy = retrypolicy.Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	uploader := NewPartUploader(config, store.urls(server.URL), log.NewLogger())
	part, err := uploader.UploadPart(ctx, "obj", firstPart(10), NewByteSliceChunkProvider(testData(10)))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, isPartError(err))
	assert.Equal(t, session.PartPending, part.State)
	assert.Equal(t, 1, part.Attempts)
}

func TestStats(t *testing.T) {
	stats := NewStats()
	assert.Equal(t, time.Duration(0), stats.Average())
	assert.Equal(t, float64(0), stats.Throughput())

	stats.Record(time.Second, 100)
	stats.Record(3*time.Second, 300)

	assert.Equal(t, 2*time.Second, stats.Average())
	assert.Equal(t, int64(2), stats.FinishedCount())
	assert.Equal(t, int64(400), stats.Bytes())
	assert.InDelta(t, 100.0, stats.Throughput(), 0.001)
}
