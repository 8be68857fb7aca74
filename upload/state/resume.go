// Package state persists upload progress to a resume file so an interrupted upload can
// continue without re-sending the parts the store already accepted.
//
// The file on disk may lag behind reality but never runs ahead of it: a part is only written
// as uploaded after the store returned its ETag.
package state

import (
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/session"
)

// CurrentVersion is written into every resume file. Readers ignore unknown fields, so adding
// fields does not require a version bump.
const CurrentVersion = 1

// ResumeState is the on-disk projection of a session.Session.
type ResumeState struct {
	Version   int                  `json:"version"`
	SessionID string               `json:"session_id"`
	ObjectKey string               `json:"object_key"`
	UploadID  string               `json:"upload_id"`
	FilePath  string               `json:"file_path"`
	FileSize  int64                `json:"file_size"`
	FileMtime int64                `json:"file_mtime"`
	ChunkSize int64                `json:"chunk_size"`
	Status    session.Status       `json:"status"`
	Parts     []session.PartRecord `json:"parts"`
	StartedAt time.Time            `json:"started_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Snapshot copies the session into a ResumeState. Parts in flight are recorded as pending.
func Snapshot(s *session.Session) ResumeState {
	parts := make([]session.PartRecord, len(s.Parts))
	for i, p := range s.Parts {
		parts[i] = persistable(p)
	}

	return ResumeState{
		Version:   CurrentVersion,
		SessionID: s.ID,
		ObjectKey: s.ObjectKey,
		UploadID:  s.UploadID,
		FilePath:  s.FilePath,
		FileSize:  s.FileSize,
		FileMtime: s.FileMtime,
		ChunkSize: s.ChunkSize,
		Status:    s.Status,
		Parts:     parts,
		StartedAt: s.StartedAt,
	}
}

// Session converts the resume state back into a session.
func (r ResumeState) Session() *session.Session {
	parts := make([]session.PartRecord, len(r.Parts))
	copy(parts, r.Parts)

	return &session.Session{
		ID:        r.SessionID,
		ObjectKey: r.ObjectKey,
		UploadID:  r.UploadID,
		FilePath:  r.FilePath,
		FileSize:  r.FileSize,
		FileMtime: r.FileMtime,
		ChunkSize: r.ChunkSize,
		Parts:     parts,
		Status:    r.Status,
		StartedAt: r.StartedAt,
	}
}

// UploadedCount ...
func (r ResumeState) UploadedCount() int {
	count := 0
	for _, p := range r.Parts {
		if p.State == session.PartUploaded {
			count++
		}
	}
	return count
}

func (r *ResumeState) apply(part session.PartRecord) bool {
	i := part.PartNumber - 1
	if i < 0 || i >= len(r.Parts) || r.Parts[i].PartNumber != part.PartNumber {
		return false
	}
	// An accepted part never goes back.
	if r.Parts[i].State == session.PartUploaded && part.State != session.PartUploaded {
		return false
	}

	r.Parts[i] = persistable(part)
	return true
}

func persistable(p session.PartRecord) session.PartRecord {
	switch p.State {
	case session.PartUploading:
		p.State = session.PartPending
		p.ETag = ""
	case session.PartUploaded:
		if p.ETag == "" {
			p.State = session.PartPending
		}
	default:
		p.ETag = ""
	}
	return p
}
