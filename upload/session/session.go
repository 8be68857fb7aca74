// Package session models one upload of a local file to a remote object and plans the parts
// it is split into.
package session

import (
	"sort"
	"time"
)

// Status is the lifecycle status of a Session.
type Status string

const (
	// StatusInProgress ...
	StatusInProgress Status = "in_progress"
	// StatusCompleted is set only after the store accepted the completion call.
	StatusCompleted Status = "completed"
	// StatusAborted is set on an unrecoverable error or cancellation. Aborted sessions stay resumable.
	StatusAborted Status = "aborted"
)

// PartState is the lifecycle state of a single part.
type PartState string

const (
	// PartPending ...
	PartPending PartState = "pending"
	// PartUploading ...
	PartUploading PartState = "uploading"
	// PartUploaded means the store accepted the bytes and returned an ETag.
	PartUploaded PartState = "uploaded"
	// PartFailed means retries were exhausted in the current run.
	PartFailed PartState = "failed"
)

// ByteRange is the half-open interval [Offset, Offset+Length) of the source file.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the exclusive end offset.
func (r ByteRange) End() int64 {
	return r.Offset + r.Length
}

// PartRecord is one chunk's lifecycle unit.
type PartRecord struct {
	// PartNumber is 1-based and defines the final ordering, not the upload order.
	PartNumber int       `json:"part_number"`
	Range      ByteRange `json:"byte_range"`
	State      PartState `json:"state"`
	// ETag is only set when State is PartUploaded.
	ETag     string `json:"etag,omitempty"`
	Attempts int    `json:"attempts"`
}

// CompletedPart is one entry of the completion payload.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// ObjectMetadata describes the remote object after a successful upload.
type ObjectMetadata struct {
	Bucket      string `json:"bucketKey,omitempty"`
	ObjectKey   string `json:"objectKey"`
	ObjectID    string `json:"objectId,omitempty"`
	Size        int64  `json:"size"`
	ETag        string `json:"etag,omitempty"`
	Location    string `json:"location,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	SHA1        string `json:"sha1,omitempty"`
	// SourceFingerprint is the FileIdentity.Fingerprint of the file the object was uploaded
	// from, if the store keeps it.
	SourceFingerprint string `json:"sourceFingerprint,omitempty"`
}

// Session is one in-progress or completed upload of one local file to one remote object.
type Session struct {
	ID        string
	ObjectKey string
	// UploadID is the store-side handle of the multipart upload. Empty until initiated.
	UploadID string

	FilePath  string
	FileSize  int64
	FileMtime int64
	ChunkSize int64

	Parts     []PartRecord
	Status    Status
	StartedAt time.Time
}

// PendingIndices returns the indices of the parts which still have to be uploaded, in part order.
func (s *Session) PendingIndices() []int {
	var indices []int
	for i, p := range s.Parts {
		if p.State != PartUploaded {
			indices = append(indices, i)
		}
	}
	return indices
}

// UploadedCount ...
func (s *Session) UploadedCount() int {
	count := 0
	for _, p := range s.Parts {
		if p.State == PartUploaded {
			count++
		}
	}
	return count
}

// UploadedBytes returns the number of source bytes already accepted by the store.
func (s *Session) UploadedBytes() int64 {
	var total int64
	for _, p := range s.Parts {
		if p.State == PartUploaded {
			total += p.Range.Length
		}
	}
	return total
}

// AllUploaded reports whether every part was accepted by the store.
func (s *Session) AllUploaded() bool {
	return len(s.Parts) > 0 && s.UploadedCount() == len(s.Parts)
}

// CompletedParts returns the {part number, etag} list sorted ascending by part number,
// regardless of the order the parts finished in.
func (s *Session) CompletedParts() []CompletedPart {
	parts := make([]CompletedPart, 0, len(s.Parts))
	for _, p := range s.Parts {
		if p.State != PartUploaded {
			continue
		}
		parts = append(parts, CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	return parts
}

// Part returns the record of the given part number.
func (s *Session) Part(partNumber int) (*PartRecord, bool) {
	i := partNumber - 1
	if i < 0 || i >= len(s.Parts) || s.Parts[i].PartNumber != partNumber {
		return nil, false
	}
	return &s.Parts[i], true
}
