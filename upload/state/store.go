package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bitrise-io/go-multipart-upload/internal"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
)

const (
	filePrefix      = "upload_"
	fileExtension   = ".json"
	maxKeyNameChars = 64
)

// PersistenceError is a disk level failure while writing state. The upload cannot safely go on
// without state tracking, so it is fatal to the session.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s upload state %s: %s (free up disk space or check permissions, then retry the upload from scratch)", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// LoadStatus tells how a Load call ended.
type LoadStatus int

const (
	// LoadAbsent means there is no resume file.
	LoadAbsent LoadStatus = iota
	// LoadCorrupt means the resume file exists but could not be read or parsed.
	LoadCorrupt
	// LoadStale means the resume file describes a different version of the source file.
	LoadStale
	// LoadValid ...
	LoadValid
)

func (s LoadStatus) String() string {
	switch s {
	case LoadAbsent:
		return "absent"
	case LoadCorrupt:
		return "corrupt"
	case LoadStale:
		return "stale"
	case LoadValid:
		return "valid"
	default:
		return fmt.Sprintf("LoadStatus(%d)", int(s))
	}
}

// Store reads and writes resume files. One file per (file path, object key) pair.
type Store struct {
	dir     string
	osProxy internal.OsProxy
	logger  log.Logger
}

// NewStore creates a store keeping its files in dir.
func NewStore(dir string, logger log.Logger) *Store {
	return &Store{
		dir:     dir,
		osProxy: internal.RealOS{},
		logger:  logger,
	}
}

// DefaultDir returns the directory resume files are kept in when none is configured.
func DefaultDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(cacheDir, "multipart-upload"), nil
}

// Dir ...
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the location of the resume file for the pair.
func (s *Store) Path(filePath, objectKey string) string {
	return filepath.Join(s.dir, fileName(filePath, objectKey))
}

// Load returns the resume state for the pair if it exists, parses, and still matches the current
// identity of the source file. Anything else is reported through LoadStatus and degrades to
// "start over"; Load never fails the upload.
func (s *Store) Load(filePath, objectKey string, current session.FileIdentity) (*ResumeState, LoadStatus) {
	path := s.Path(filePath, objectKey)

	st, err := s.read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, LoadAbsent
		}
		s.logger.Warnf("Ignoring unreadable resume file %s: %s", path, err)
		return nil, LoadCorrupt
	}

	if st.ObjectKey != objectKey || st.FilePath != filePath {
		s.logger.Warnf("Ignoring resume file %s: it belongs to %s -> %s", path, st.FilePath, st.ObjectKey)
		return nil, LoadCorrupt
	}

	if st.FileSize != current.Size || st.FileMtime != current.Mtime {
		s.logger.Warnf("Source file changed since the resume file was written (size %d -> %d), starting over", st.FileSize, current.Size)
		return st, LoadStale
	}

	return st, LoadValid
}

// Save writes the state atomically: to a temporary file in the same directory, then renamed over
// the canonical path. A crash mid-write leaves the previous file intact.
func (s *Store) Save(st ResumeState) error {
	path := s.Path(st.FilePath, st.ObjectKey)

	st.Version = CurrentVersion
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}

	if err := s.osProxy.MkdirAll(s.dir, 0o755); err != nil {
		return &PersistenceError{Op: "create directory for", Path: path, Err: err}
	}

	tmp, err := s.osProxy.CreateTemp(s.dir, ".upload_*.tmp")
	if err != nil {
		return &PersistenceError{Op: "create temporary file for", Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			if err := s.osProxy.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Debugf("Failed to remove temporary state file %s: %s", tmpPath, err)
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &PersistenceError{Op: "sync", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PersistenceError{Op: "close", Path: path, Err: err}
	}
	if err := s.osProxy.Rename(tmpPath, path); err != nil {
		return &PersistenceError{Op: "replace", Path: path, Err: err}
	}
	committed = true

	return nil
}

// Delete removes the resume file of the pair. A missing file is not an error.
func (s *Store) Delete(filePath, objectKey string) error {
	path := s.Path(filePath, objectKey)
	if err := s.osProxy.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &PersistenceError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

// List returns every readable resume state in the store, oldest first. Corrupt files are skipped.
func (s *Store) List() ([]ResumeState, error) {
	if _, err := s.osProxy.Stat(s.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat state dir: %w", err)
	}

	matches, err := doublestar.Glob(s.osProxy.DirFS(s.dir), filePrefix+"*"+fileExtension)
	if err != nil {
		return nil, fmt.Errorf("list resume files: %w", err)
	}

	var states []ResumeState
	for _, match := range matches {
		path := filepath.Join(s.dir, match)
		st, err := s.read(path)
		if err != nil {
			s.logger.Warnf("Skipping unreadable resume file %s: %s", path, err)
			continue
		}
		states = append(states, *st)
	}

	sort.SliceStable(states, func(i, j int) bool {
		return states[i].StartedAt.Before(states[j].StartedAt)
	})

	return states, nil
}

func (s *Store) read(path string) (*ResumeState, error) {
	data, err := s.osProxy.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var st ResumeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if st.ObjectKey == "" || st.FilePath == "" || len(st.Parts) == 0 {
		return nil, fmt.Errorf("incomplete resume state")
	}

	return &st, nil
}

func fileName(filePath, objectKey string) string {
	h := sha256.Sum256([]byte(filePath + "\x00" + objectKey))

	return fmt.Sprintf("%s%s_%s%s", filePrefix, sanitize(objectKey), hex.EncodeToString(h[:8]), fileExtension)
}

func sanitize(key string) string {
	var b strings.Builder
	for _, r := range key {
		if b.Len() >= maxKeyNameChars {
			break
		}
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
