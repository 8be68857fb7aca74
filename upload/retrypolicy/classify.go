package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

// StatusError is returned when the remote side answered with a non-success status code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// NewStatusError reads (at most 1KB of) the response body and returns it as a StatusError.
func NewStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// KindError pins an explicit FailureKind onto an error.
type KindError struct {
	Kind FailureKind
	Err  error
}

func (e *KindError) Error() string {
	return e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind marks err as a failure of the given kind. Classify honours the outermost mark.
func WithKind(err error, kind FailureKind) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// ClassifyStatus maps an HTTP status code to a failure kind.
func ClassifyStatus(statusCode int) FailureKind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return RateLimited
	case statusCode == http.StatusRequestTimeout:
		return NetworkTransient
	case statusCode == http.StatusUnauthorized:
		return AuthExpired
	case statusCode >= 500 && statusCode <= 599:
		return ServerError
	case statusCode >= 400 && statusCode <= 499:
		return ClientError
	default:
		return Fatal
	}
}

// Classify maps an attempt error to a failure kind.
func Classify(err error) FailureKind {
	if err == nil {
		return Unknown
	}

	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		// S3 answers an expired presigned URL with 403 "Request has expired".
		if statusErr.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(statusErr.Body), "expired") {
			return AuthExpired
		}
		return ClassifyStatus(statusErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return NetworkTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NetworkTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NetworkTransient
	}

	// Transport level failures from net/http that carry no more specific cause.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && !errors.Is(err, context.Canceled) {
		return NetworkTransient
	}

	return Fatal
}
