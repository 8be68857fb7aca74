package chunkuploader

import (
	"net/http"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/retrypolicy"
)

const (
	// DefaultConcurrency is the number of parts uploaded in parallel.
	DefaultConcurrency = 5
	// DefaultAttemptTimeout bounds a single part PUT.
	DefaultAttemptTimeout = 5 * time.Minute
	// DefaultHungThreshold ...
	DefaultHungThreshold = 30 * time.Second
	// DefaultGracePeriod is how long in-flight parts may finish after cancellation.
	DefaultGracePeriod = 10 * time.Second
)

// Config holds configuration for the part uploader and the scheduler.
type Config struct {
	// Concurrency is the maximum number of parallel part uploads.
	// Default: 5
	Concurrency int

	// AttemptTimeout bounds a single HTTP attempt, independent of the retry budget.
	// Exceeding it counts as a transient network failure.
	// Default: 5 minutes
	AttemptTimeout time.Duration

	// HungThreshold is the duration after which an attempt is considered hung
	// if it exceeds the average successful attempt time by this amount. Zero disables it.
	// Default: 30 seconds
	HungThreshold time.Duration

	// GracePeriod is how long the scheduler waits for in-flight parts after cancellation
	// before abandoning them.
	// Default: 10 seconds
	GracePeriod time.Duration

	// Policy decides about retries.
	Policy retrypolicy.Policy

	// HTTPClient is the HTTP client to use for part uploads.
	// If nil, a default optimized client will be created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    DefaultConcurrency,
		AttemptTimeout: DefaultAttemptTimeout,
		HungThreshold:  DefaultHungThreshold,
		GracePeriod:    DefaultGracePeriod,
		Policy:         retrypolicy.DefaultPolicy(),
		HTTPClient:     nil, // Will be created by NewPartUploader
	}
}

// DefaultHTTPClient creates an HTTP client optimized for part uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - attempt timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.AttemptTimeout < 0 {
		c.AttemptTimeout = 0
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.Policy.MaxAttempts <= 0 {
		c.Policy = d.Policy
	}
	if c.HTTPClient == nil {
		c.HTTPClient = DefaultHTTPClient()
	}
	return c
}
