package session

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// MaxParts is the largest part count a multipart upload may have (S3 limit).
const MaxParts = 10000

var (
	// ErrFileNotFound ...
	ErrFileNotFound = errors.New("file not found")
	// ErrFileNotReadable ...
	ErrFileNotReadable = errors.New("file not readable")
	// ErrInvalidChunkSize ...
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	// ErrEmptyFile is returned for zero-byte files, which have to be uploaded in a single request.
	ErrEmptyFile = errors.New("file is empty")
	// ErrNotRegularFile ...
	ErrNotRegularFile = errors.New("not a regular file")
)

// PlanningError is returned for bad input files or parameters. It is never retried.
type PlanningError struct {
	FilePath string
	Err      error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("plan upload of %s: %s", e.FilePath, e.Err)
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}

// FileIdentity is what staleness detection compares: size and modification time.
type FileIdentity struct {
	Size  int64
	Mtime int64
}

// Fingerprint identifies this version of the file in object metadata.
func (f FileIdentity) Fingerprint() string {
	return fmt.Sprintf("%d-%d", f.Size, f.Mtime)
}

// StatFile returns the identity of the file at path.
func StatFile(path string) (FileIdentity, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FileIdentity{}, &PlanningError{FilePath: path, Err: ErrFileNotFound}
		}
		return FileIdentity{}, &PlanningError{FilePath: path, Err: fmt.Errorf("%w: %s", ErrFileNotReadable, err)}
	}
	if !info.Mode().IsRegular() {
		return FileIdentity{}, &PlanningError{FilePath: path, Err: ErrNotRegularFile}
	}
	return FileIdentity{Size: info.Size(), Mtime: info.ModTime().UnixNano()}, nil
}

// PlanInput ...
type PlanInput struct {
	FilePath  string
	ObjectKey string
	ChunkSize int64
}

// Plan is the result of planning: a session ready for scheduling plus how any prior state was used.
type Plan struct {
	Session *Session
	// Resumed is true when a prior session was carried over.
	Resumed bool
	// Discarded is true when a prior session existed but could not be reused; DiscardReason says why.
	Discarded     bool
	DiscardReason string
}

// NewPlan computes the part plan for the input and reconciles it with the prior session, if any.
//
// A prior session is reused only if it describes the same file (path, size and mtime), the same
// object key, the same chunk size and the same part layout. Any mismatch discards it as a whole:
// reusing parts of a changed file would silently corrupt the object.
func NewPlan(input PlanInput, prior *Session) (*Plan, error) {
	if input.ChunkSize <= 0 {
		return nil, &PlanningError{FilePath: input.FilePath, Err: ErrInvalidChunkSize}
	}

	identity, err := StatFile(input.FilePath)
	if err != nil {
		return nil, err
	}
	if identity.Size == 0 {
		return nil, &PlanningError{FilePath: input.FilePath, Err: ErrEmptyFile}
	}
	if err := checkReadable(input.FilePath); err != nil {
		return nil, err
	}

	chunkSize := EffectiveChunkSize(identity.Size, input.ChunkSize)
	fresh := &Session{
		ID:        uuid.NewString(),
		ObjectKey: input.ObjectKey,
		FilePath:  input.FilePath,
		FileSize:  identity.Size,
		FileMtime: identity.Mtime,
		ChunkSize: chunkSize,
		Parts:     SplitParts(identity.Size, chunkSize),
		Status:    StatusInProgress,
		StartedAt: time.Now().UTC(),
	}

	if prior == nil {
		return &Plan{Session: fresh}, nil
	}

	if reason := mismatch(prior, fresh); reason != "" {
		return &Plan{Session: fresh, Discarded: true, DiscardReason: reason}, nil
	}

	resumed := &Session{
		ID:        prior.ID,
		ObjectKey: prior.ObjectKey,
		UploadID:  prior.UploadID,
		FilePath:  fresh.FilePath,
		FileSize:  fresh.FileSize,
		FileMtime: fresh.FileMtime,
		ChunkSize: fresh.ChunkSize,
		Parts:     fresh.Parts,
		Status:    StatusInProgress,
		StartedAt: prior.StartedAt,
	}
	if resumed.ID == "" {
		resumed.ID = fresh.ID
	}
	for i, p := range prior.Parts {
		if p.State == PartUploaded && p.ETag != "" {
			resumed.Parts[i] = p
		}
	}

	return &Plan{Session: resumed, Resumed: true}, nil
}

// SplitParts splits size bytes into ceil(size/chunkSize) gapless parts, numbered from 1.
// The final part may be shorter than chunkSize.
func SplitParts(size, chunkSize int64) []PartRecord {
	if size <= 0 || chunkSize <= 0 {
		return nil
	}

	count := (size + chunkSize - 1) / chunkSize
	parts := make([]PartRecord, 0, count)
	for i := int64(0); i < count; i++ {
		offset := i * chunkSize
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}
		parts = append(parts, PartRecord{
			PartNumber: int(i) + 1,
			Range:      ByteRange{Offset: offset, Length: length},
			State:      PartPending,
		})
	}
	return parts
}

// EffectiveChunkSize raises chunkSize so that the plan does not exceed MaxParts.
func EffectiveChunkSize(size, chunkSize int64) int64 {
	if chunkSize <= 0 {
		return chunkSize
	}
	if (size+chunkSize-1)/chunkSize <= MaxParts {
		return chunkSize
	}
	return (size + MaxParts - 1) / MaxParts
}

func mismatch(prior, fresh *Session) string {
	switch {
	case prior.Status == StatusCompleted:
		return "prior session already completed"
	case prior.ObjectKey != fresh.ObjectKey:
		return fmt.Sprintf("object key changed (%s -> %s)", prior.ObjectKey, fresh.ObjectKey)
	case prior.FilePath != fresh.FilePath:
		return fmt.Sprintf("file path changed (%s -> %s)", prior.FilePath, fresh.FilePath)
	case prior.FileSize != fresh.FileSize:
		return fmt.Sprintf("file size changed (%d -> %d bytes)", prior.FileSize, fresh.FileSize)
	case prior.FileMtime != fresh.FileMtime:
		return "file modification time changed"
	case prior.ChunkSize != fresh.ChunkSize:
		return fmt.Sprintf("chunk size changed (%d -> %d bytes)", prior.ChunkSize, fresh.ChunkSize)
	case prior.UploadID == "":
		return "prior session has no upload id"
	case len(prior.Parts) != len(fresh.Parts):
		return fmt.Sprintf("part count mismatch (%d -> %d)", len(prior.Parts), len(fresh.Parts))
	}

	for i, p := range prior.Parts {
		want := fresh.Parts[i]
		if p.PartNumber != want.PartNumber || p.Range != want.Range {
			return fmt.Sprintf("part %d layout mismatch", want.PartNumber)
		}
	}
	return ""
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &PlanningError{FilePath: path, Err: fmt.Errorf("%w: %s", ErrFileNotReadable, err)}
	}
	return f.Close()
}
