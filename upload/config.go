package upload

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-multipart-upload/upload/network"
	"github.com/bitrise-io/go-multipart-upload/upload/retrypolicy"
	"github.com/bitrise-io/go-multipart-upload/upload/state"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// DefaultChunkSize is the part size used when neither the input nor the config sets one.
const DefaultChunkSize = 5 * 1024 * 1024

const envPrefix = "MULTIPART_UPLOAD_"

// Config holds the settings shared by every upload of an Uploader.
type Config struct {
	// ChunkSize is the default part size in bytes.
	// Default: 5 MiB
	ChunkSize int64

	// Concurrency is the default number of parts uploaded in parallel.
	// Default: 5
	Concurrency int

	// StateDir is where resume files and compressed copies are kept.
	// Default: <user cache dir>/multipart-upload
	StateDir string

	// FlushPolicy decides how often part progress is written to the resume file.
	// Default: after every part
	FlushPolicy state.FlushPolicy

	// Policy is used for part uploads and the completion call.
	Policy retrypolicy.Policy

	AttemptTimeout time.Duration
	HungThreshold  time.Duration
	GracePeriod    time.Duration

	// HTTPClient sends the part PUT requests.
	HTTPClient *http.Client
}

// DefaultConfig ...
func DefaultConfig() Config {
	c := chunkuploader.DefaultConfig()
	return Config{
		ChunkSize:      DefaultChunkSize,
		Concurrency:    c.Concurrency,
		FlushPolicy:    state.FlushEveryPart{},
		Policy:         c.Policy,
		AttemptTimeout: c.AttemptTimeout,
		HungThreshold:  c.HungThreshold,
		GracePeriod:    c.GracePeriod,
	}
}

func (c Config) chunkUploaderConfig(concurrency int) chunkuploader.Config {
	return chunkuploader.Config{
		Concurrency:    concurrency,
		AttemptTimeout: c.AttemptTimeout,
		HungThreshold:  c.HungThreshold,
		GracePeriod:    c.GracePeriod,
		Policy:         c.Policy,
		HTTPClient:     c.HTTPClient,
	}
}

// ConfigFromEnv starts from DefaultConfig and overrides every value set in a MULTIPART_UPLOAD_*
// variable. Sizes accept human readable values like "8MB".
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	if v := getEnv(envRepo, "CHUNK_SIZE"); v != "" {
		size, err := units.RAMInBytes(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sCHUNK_SIZE: %w", envPrefix, err)
		}
		if size <= 0 {
			return Config{}, fmt.Errorf("invalid %sCHUNK_SIZE: must be positive", envPrefix)
		}
		config.ChunkSize = size
	}

	if err := parseInt(envRepo, "CONCURRENCY", &config.Concurrency); err != nil {
		return Config{}, err
	}
	if err := parseInt(envRepo, "MAX_ATTEMPTS", &config.Policy.MaxAttempts); err != nil {
		return Config{}, err
	}
	if err := parseDuration(envRepo, "BASE_DELAY", &config.Policy.BaseDelay); err != nil {
		return Config{}, err
	}
	if err := parseDuration(envRepo, "MAX_DELAY", &config.Policy.MaxDelay); err != nil {
		return Config{}, err
	}
	if err := parseDuration(envRepo, "ATTEMPT_TIMEOUT", &config.AttemptTimeout); err != nil {
		return Config{}, err
	}
	if err := parseDuration(envRepo, "HUNG_THRESHOLD", &config.HungThreshold); err != nil {
		return Config{}, err
	}
	if err := parseDuration(envRepo, "GRACE_PERIOD", &config.GracePeriod); err != nil {
		return Config{}, err
	}

	var flushEvery int
	if err := parseInt(envRepo, "FLUSH_EVERY_PARTS", &flushEvery); err != nil {
		return Config{}, err
	}
	if flushEvery > 1 {
		config.FlushPolicy = state.FlushBatch{Parts: flushEvery}
	}
	var flushInterval time.Duration
	if err := parseDuration(envRepo, "FLUSH_INTERVAL", &flushInterval); err != nil {
		return Config{}, err
	}
	if flushInterval > 0 {
		config.FlushPolicy = state.FlushInterval{Interval: flushInterval}
	}

	config.StateDir = getEnv(envRepo, "STATE_DIR")

	return config, nil
}

// NewStorageFromEnv creates the storage backend selected by MULTIPART_UPLOAD_BACKEND
// (api, s3 or minio; api is the default).
func NewStorageFromEnv(ctx context.Context, envRepo env.Repository, logger log.Logger) (network.Storage, error) {
	var expiration time.Duration
	if err := parseDuration(envRepo, "URL_EXPIRATION", &expiration); err != nil {
		return nil, err
	}
	bucket := getEnv(envRepo, "BUCKET")

	backend := strings.ToLower(getEnv(envRepo, "BACKEND"))
	switch backend {
	case "", "api":
		baseURL := getEnv(envRepo, "API_URL")
		if baseURL == "" {
			return nil, fmt.Errorf("the secret '%sAPI_URL' is not defined", envPrefix)
		}
		token := getEnv(envRepo, "API_TOKEN")
		if token == "" {
			return nil, fmt.Errorf("the secret '%sAPI_TOKEN' is not defined", envPrefix)
		}
		storage, err := network.NewAPIStorage(network.APIStorageParams{
			BaseURL:       strings.TrimSuffix(baseURL, "/"),
			Bucket:        bucket,
			Token:         token,
			URLExpiration: expiration,
		}, logger)
		if err != nil {
			return nil, err
		}
		return storage, nil
	case "s3":
		var pathStyle bool
		if err := parseBool(envRepo, "PATH_STYLE", &pathStyle); err != nil {
			return nil, err
		}
		storage, err := network.NewS3Storage(ctx, network.S3Params{
			Region:            getEnv(envRepo, "REGION"),
			Bucket:            bucket,
			AccessKeyID:       getEnv(envRepo, "ACCESS_KEY_ID"),
			SecretAccessKey:   getEnv(envRepo, "SECRET_ACCESS_KEY"),
			Endpoint:          getEnv(envRepo, "ENDPOINT"),
			UsePathStyle:      pathStyle,
			PresignExpiration: expiration,
		}, logger)
		if err != nil {
			return nil, err
		}
		return storage, nil
	case "minio":
		useSSL := true
		if err := parseBool(envRepo, "USE_SSL", &useSSL); err != nil {
			return nil, err
		}
		storage, err := network.NewMinIOStorage(network.MinIOParams{
			Endpoint:          getEnv(envRepo, "ENDPOINT"),
			AccessKey:         getEnv(envRepo, "ACCESS_KEY_ID"),
			SecretKey:         getEnv(envRepo, "SECRET_ACCESS_KEY"),
			UseSSL:            useSSL,
			Bucket:            bucket,
			Region:            getEnv(envRepo, "REGION"),
			PresignExpiration: expiration,
		}, logger)
		if err != nil {
			return nil, err
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unknown %sBACKEND: %s (expected api, s3 or minio)", envPrefix, backend)
	}
}

func getEnv(envRepo env.Repository, key string) string {
	return strings.TrimSpace(envRepo.Get(envPrefix + key))
}

func parseInt(envRepo env.Repository, key string, target *int) error {
	v := getEnv(envRepo, key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*target = i
	return nil
}

func parseDuration(envRepo env.Repository, key string, target *time.Duration) error {
	v := getEnv(envRepo, key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*target = d
	return nil
}

func parseBool(envRepo env.Repository, key string, target *bool) error {
	v := getEnv(envRepo, key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*target = b
	return nil
}
