package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-multipart-upload/upload/retrypolicy"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// APIStorageParams ...
type APIStorageParams struct {
	BaseURL string
	Bucket  string
	Token   string
	// URLExpiration is passed as minutesExpiration when signing part URLs. Zero keeps the
	// server default.
	URLExpiration time.Duration
}

type signedUploadResponse struct {
	UploadKey        string   `json:"uploadKey"`
	URLs             []string `json:"urls"`
	UploadExpiration string   `json:"uploadExpiration,omitempty"`
}

type completeUploadRequest struct {
	UploadKey string                  `json:"uploadKey"`
	Parts     []session.CompletedPart `json:"parts"`
}

// APIStorage is a storage API that signs S3 URLs on behalf of the client
// (/buckets/{bucket}/objects/{key}/signeds3upload).
//
// Control calls (initiate, sign, stat) go through a retryable client. The completion call does
// not: its retries are driven by the caller's retry policy.
type APIStorage struct {
	httpClient    *retryablehttp.Client
	baseURL       string
	bucket        string
	accessToken   string
	urlExpiration time.Duration
	logger        log.Logger
}

// NewAPIStorage ...
func NewAPIStorage(params APIStorageParams, logger log.Logger) (*APIStorage, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL must not be empty")
	}
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	client := retryhttp.NewClient(logger)
	// Hand the last response back instead of a generic "giving up" error, so its status
	// code can be classified.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return newAPIStorage(client, params, logger), nil
}

func newAPIStorage(client *retryablehttp.Client, params APIStorageParams, logger log.Logger) *APIStorage {
	return &APIStorage{
		httpClient:    client,
		baseURL:       params.BaseURL,
		bucket:        params.Bucket,
		accessToken:   params.Token,
		urlExpiration: params.URLExpiration,
		logger:        logger,
	}
}

// InitiateUpload asks for the first part's URL; the upload key of the response identifies the
// upload from then on. The API keeps no user metadata, so opts are not sent.
func (s *APIStorage) InitiateUpload(ctx context.Context, objectKey string, opts InitiateOptions) (string, error) {
	resp, err := s.signedUpload(ctx, objectKey, url.Values{"parts": {"1"}, "firstPart": {"1"}})
	if err != nil {
		return "", fmt.Errorf("initiate upload: %w", err)
	}
	if resp.UploadKey == "" {
		return "", retrypolicy.WithKind(fmt.Errorf("initiate upload: empty upload key in response"), retrypolicy.Fatal)
	}

	return resp.UploadKey, nil
}

// UploadURL ...
func (s *APIStorage) UploadURL(ctx context.Context, objectKey, uploadID string, partNumber int) (chunkuploader.UploadURL, error) {
	query := url.Values{
		"parts":     {"1"},
		"firstPart": {strconv.Itoa(partNumber)},
		"uploadKey": {uploadID},
	}
	resp, err := s.signedUpload(ctx, objectKey, query)
	if err != nil {
		return chunkuploader.UploadURL{}, fmt.Errorf("sign part %d: %w", partNumber, err)
	}
	if len(resp.URLs) == 0 {
		return chunkuploader.UploadURL{}, retrypolicy.WithKind(fmt.Errorf("sign part %d: no url in response", partNumber), retrypolicy.Fatal)
	}

	return chunkuploader.UploadURL{
		Method:  http.MethodPut,
		URL:     resp.URLs[0],
		Headers: map[string]string{"Content-Type": "application/octet-stream"},
	}, nil
}

// CompleteMultipart ...
func (s *APIStorage) CompleteMultipart(ctx context.Context, objectKey, uploadID string, parts []session.CompletedPart) (session.ObjectMetadata, error) {
	body, err := json.Marshal(completeUploadRequest{UploadKey: uploadID, Parts: parts})
	if err != nil {
		return session.ObjectMetadata{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(objectKey, "signeds3upload"), bytes.NewReader(body))
	if err != nil {
		return session.ObjectMetadata{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.accessToken))
	req.Header.Set("Content-type", "application/json")

	dump, err := httputil.DumpRequest(req, true)
	if err != nil {
		s.logger.Warnf("error while dumping request: %s", err)
	}
	s.logger.Debugf("Complete request dump: %s", string(dump))

	resp, err := s.httpClient.HTTPClient.Do(req)
	if err != nil {
		return session.ObjectMetadata{}, err
	}
	defer s.closeBody(resp.Body)

	dump, err = httputil.DumpResponse(resp, true)
	if err != nil {
		s.logger.Warnf("error while dumping response: %s", err)
	}
	s.logger.Debugf("Complete response dump: %s", string(dump))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return session.ObjectMetadata{}, unwrapError(resp)
	}

	return decodeObjectInfo(resp.Body)
}

// PutObject uploads the whole body with a single signed URL.
func (s *APIStorage) PutObject(ctx context.Context, objectKey string, body io.Reader, size int64, contentType string) (session.ObjectMetadata, error) {
	uploadKey, err := s.InitiateUpload(ctx, objectKey, InitiateOptions{ContentType: contentType})
	if err != nil {
		return session.ObjectMetadata{}, err
	}
	uploadURL, err := s.UploadURL(ctx, objectKey, uploadKey, 1)
	if err != nil {
		return session.ObjectMetadata{}, err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return session.ObjectMetadata{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) != size {
		return session.ObjectMetadata{}, fmt.Errorf("body size mismatch: expected %d, got %d", size, len(data))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, uploadURL.Method, uploadURL.URL, data)
	if err != nil {
		return session.ObjectMetadata{}, err
	}
	for k, v := range uploadURL.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	req.ContentLength = size

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return session.ObjectMetadata{}, err
	}
	defer s.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return session.ObjectMetadata{}, unwrapError(resp)
	}
	etag := resp.Header.Get("ETag")

	meta, err := s.CompleteMultipart(ctx, objectKey, uploadKey, []session.CompletedPart{{PartNumber: 1, ETag: etag}})
	if err != nil {
		return session.ObjectMetadata{}, err
	}
	if meta.ContentType == "" {
		meta.ContentType = contentType
	}
	return meta, nil
}

// StatObject ...
func (s *APIStorage) StatObject(ctx context.Context, objectKey string) (session.ObjectMetadata, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(objectKey, "details"), nil)
	if err != nil {
		return session.ObjectMetadata{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.accessToken))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return session.ObjectMetadata{}, err
	}
	defer s.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return session.ObjectMetadata{}, ErrObjectNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return session.ObjectMetadata{}, unwrapError(resp)
	}

	return decodeObjectInfo(resp.Body)
}

func (s *APIStorage) signedUpload(ctx context.Context, objectKey string, query url.Values) (signedUploadResponse, error) {
	if s.urlExpiration > 0 {
		query.Set("minutesExpiration", strconv.Itoa(int(s.urlExpiration.Minutes())))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(objectKey, "signeds3upload")+"?"+query.Encode(), nil)
	if err != nil {
		return signedUploadResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.accessToken))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return signedUploadResponse{}, err
	}
	defer s.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return signedUploadResponse{}, unwrapError(resp)
	}

	var response signedUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return signedUploadResponse{}, retrypolicy.WithKind(fmt.Errorf("decode signed upload response: %w", err), retrypolicy.Fatal)
	}

	return response, nil
}

func (s *APIStorage) objectURL(objectKey, suffix string) string {
	return fmt.Sprintf("%s/buckets/%s/objects/%s/%s", s.baseURL, url.PathEscape(s.bucket), url.PathEscape(objectKey), suffix)
}

func (s *APIStorage) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		s.logger.Printf("%s", err)
	}
}

func decodeObjectInfo(body io.Reader) (session.ObjectMetadata, error) {
	var meta session.ObjectMetadata
	if err := json.NewDecoder(body).Decode(&meta); err != nil {
		return session.ObjectMetadata{}, retrypolicy.WithKind(fmt.Errorf("decode object info: %w", err), retrypolicy.Fatal)
	}
	return meta, nil
}

func unwrapError(resp *http.Response) error {
	return retrypolicy.NewStatusError(resp)
}
