package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/retrypolicy"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

type fakeAPI struct {
	mu          sync.Mutex
	signQueries []map[string]string
	completed   []completeUploadRequest
	parts       map[string][]byte
	objects     map[string]session.ObjectMetadata
	completeErr int
	server      *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	api := &fakeAPI{
		parts:   map[string][]byte{},
		objects: map[string]session.ObjectMetadata{},
	}

	r := mux.NewRouter()
	r.HandleFunc("/buckets/{bucket}/objects/{key}/signeds3upload", api.sign).Methods(http.MethodGet)
	r.HandleFunc("/buckets/{bucket}/objects/{key}/signeds3upload", api.complete).Methods(http.MethodPost)
	r.HandleFunc("/buckets/{bucket}/objects/{key}/details", api.details).Methods(http.MethodGet)
	r.HandleFunc("/upload/{uploadKey}/{part}", api.put).Methods(http.MethodPut)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.HasPrefix(req.URL.Path, "/buckets/") && req.Header.Get("Authorization") != "Bearer "+testToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	api.server = httptest.NewServer(r)
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakeAPI) sign(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a.mu.Lock()
	a.signQueries = append(a.signQueries, map[string]string{
		"parts":             q.Get("parts"),
		"firstPart":         q.Get("firstPart"),
		"uploadKey":         q.Get("uploadKey"),
		"minutesExpiration": q.Get("minutesExpiration"),
	})
	a.mu.Unlock()

	uploadKey := q.Get("uploadKey")
	if uploadKey == "" {
		uploadKey = "upload-key-1"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(signedUploadResponse{
		UploadKey: uploadKey,
		URLs:      []string{fmt.Sprintf("%s/upload/%s/%s", a.server.URL, uploadKey, q.Get("firstPart"))},
	})
}

func (a *fakeAPI) put(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, _ := io.ReadAll(r.Body)
	a.mu.Lock()
	a.parts[vars["part"]] = body
	a.mu.Unlock()
	w.Header().Set("ETag", `"etag-`+vars["part"]+`"`)
	w.WriteHeader(http.StatusOK)
}

func (a *fakeAPI) complete(w http.ResponseWriter, r *http.Request) {
	var req completeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	a.completed = append(a.completed, req)
	status := a.completeErr
	a.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	key := mux.Vars(r)["key"]
	meta := session.ObjectMetadata{
		Bucket:    mux.Vars(r)["bucket"],
		ObjectKey: key,
		ObjectID:  "urn:" + key,
		Size:      42,
	}
	a.mu.Lock()
	a.objects[key] = meta
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meta)
}

func (a *fakeAPI) details(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	meta, ok := a.objects[mux.Vars(r)["key"]]
	a.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(meta)
}

func newTestAPIStorage(t *testing.T, baseURL string) *APIStorage {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 1
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = time.Millisecond
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return newAPIStorage(client, APIStorageParams{
		BaseURL:       baseURL,
		Bucket:        "bucket",
		Token:         testToken,
		URLExpiration: 30 * time.Minute,
	}, log.NewLogger())
}

func TestNewAPIStorage_Validation(t *testing.T) {
	_, err := NewAPIStorage(APIStorageParams{Bucket: "b"}, log.NewLogger())
	require.Error(t, err)

	_, err = NewAPIStorage(APIStorageParams{BaseURL: "http://localhost"}, log.NewLogger())
	require.Error(t, err)

	s, err := NewAPIStorage(APIStorageParams{BaseURL: "http://localhost", Bucket: "b"}, log.NewLogger())
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestAPIStorage_InitiateAndSign(t *testing.T) {
	api := newFakeAPI(t)
	s := newTestAPIStorage(t, api.server.URL)

	uploadKey, err := s.InitiateUpload(context.Background(), "object.bin", InitiateOptions{ContentType: "application/zip"})
	require.NoError(t, err)
	assert.Equal(t, "upload-key-1", uploadKey)

	u, err := s.UploadURL(context.Background(), "object.bin", uploadKey, 7)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, u.Method)
	assert.Equal(t, api.server.URL+"/upload/upload-key-1/7", u.URL)

	require.Len(t, api.signQueries, 2)
	assert.Equal(t, map[string]string{"parts": "1", "firstPart": "1", "uploadKey": "", "minutesExpiration": "30"}, api.signQueries[0])
	assert.Equal(t, map[string]string{"parts": "1", "firstPart": "7", "uploadKey": "upload-key-1", "minutesExpiration": "30"}, api.signQueries[1])
}

func TestAPIStorage_CompleteSendsPartsInOrder(t *testing.T) {
	api := newFakeAPI(t)
	s := newTestAPIStorage(t, api.server.URL)

	parts := []session.CompletedPart{{PartNumber: 1, ETag: `"a"`}, {PartNumber: 2, ETag: `"b"`}, {PartNumber: 3, ETag: `"c"`}}
	meta, err := s.CompleteMultipart(context.Background(), "object.bin", "upload-key-1", parts)
	require.NoError(t, err)
	assert.Equal(t, "object.bin", meta.ObjectKey)
	assert.Equal(t, "urn:object.bin", meta.ObjectID)
	assert.Equal(t, "bucket", meta.Bucket)

	require.Len(t, api.completed, 1)
	assert.Equal(t, "upload-key-1", api.completed[0].UploadKey)
	assert.Equal(t, parts, api.completed[0].Parts)
}

func TestAPIStorage_CompleteIsNotRetriedByTransport(t *testing.T) {
	api := newFakeAPI(t)
	api.completeErr = http.StatusServiceUnavailable
	s := newTestAPIStorage(t, api.server.URL)

	_, err := s.CompleteMultipart(context.Background(), "object.bin", "upload-key-1", []session.CompletedPart{{PartNumber: 1, ETag: "a"}})
	require.Error(t, err)

	var statusErr *retrypolicy.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, retrypolicy.ServerError, retrypolicy.Classify(err))
	assert.Len(t, api.completed, 1)
}

func TestAPIStorage_Unauthorized(t *testing.T) {
	api := newFakeAPI(t)
	s := newTestAPIStorage(t, api.server.URL)
	s.accessToken = "wrong"

	_, err := s.InitiateUpload(context.Background(), "object.bin", InitiateOptions{})
	require.Error(t, err)
	assert.Equal(t, retrypolicy.AuthExpired, retrypolicy.Classify(err))
}

func TestAPIStorage_StatObject(t *testing.T) {
	api := newFakeAPI(t)
	s := newTestAPIStorage(t, api.server.URL)

	_, err := s.StatObject(context.Background(), "missing.bin")
	require.ErrorIs(t, err, ErrObjectNotFound)

	api.objects["present.bin"] = session.ObjectMetadata{ObjectKey: "present.bin", Size: 10}
	meta, err := s.StatObject(context.Background(), "present.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(10), meta.Size)
}

func TestAPIStorage_PutObject(t *testing.T) {
	api := newFakeAPI(t)
	s := newTestAPIStorage(t, api.server.URL)

	meta, err := s.PutObject(context.Background(), "small.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "small.txt", meta.ObjectKey)
	assert.Equal(t, "text/plain", meta.ContentType)

	assert.Equal(t, []byte("hello"), api.parts["1"])
	require.Len(t, api.completed, 1)
	assert.Equal(t, []session.CompletedPart{{PartNumber: 1, ETag: `"etag-1"`}}, api.completed[0].Parts)
}

func TestAPIStorage_PutObjectSizeMismatch(t *testing.T) {
	api := newFakeAPI(t)
	s := newTestAPIStorage(t, api.server.URL)

	_, err := s.PutObject(context.Background(), "small.txt", strings.NewReader("hello"), 6, "")
	require.Error(t, err)
	assert.Empty(t, api.parts)
}

func TestSignedURLProvider_AlwaysAsksStore(t *testing.T) {
	api := newFakeAPI(t)
	s := newTestAPIStorage(t, api.server.URL)
	provider := NewSignedURLProvider(s, "upload-key-9")

	for i := 0; i < 3; i++ {
		u, err := provider.UploadURL(context.Background(), "object.bin", 2)
		require.NoError(t, err)
		assert.Equal(t, api.server.URL+"/upload/upload-key-9/2", u.URL)
	}
	assert.Len(t, api.signQueries, 3)
}

type failingCloser struct {
	io.Reader
	err error
}

func (c failingCloser) Close() error {
	return c.err
}

func TestAPIStorage_CloseBodyLogsErrorVerbatim(t *testing.T) {
	closeErr := errors.New("close failed at 100% of body")
	mockLogger := new(mocks.Logger)
	mockLogger.On("Printf", "%s", closeErr).Return()

	s := newAPIStorage(retryablehttp.NewClient(), APIStorageParams{BaseURL: "http://localhost", Bucket: "bucket"}, mockLogger)
	s.closeBody(failingCloser{Reader: strings.NewReader(""), err: closeErr})

	mockLogger.AssertExpectations(t)
}
