package network

import (
	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// DetectContentType sniffs the content type of the file at path. Unreadable files get the
// generic binary type; the upload itself reports the read error.
func DetectContentType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil || mtype == nil {
		return defaultContentType
	}
	return mtype.String()
}
