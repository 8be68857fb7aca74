package chunkuploader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-multipart-upload/upload/session"
)

// ChunkProvider provides part data for upload.
// GetChunk is called once per attempt and must return a fresh reader positioned at the start
// of the range, so a retry never sees a half-consumed body.
type ChunkProvider interface {
	GetChunk(r session.ByteRange) (*bytes.Reader, error)
}

// FileChunkProvider reads parts from a file on disk.
// Reads are positional (ReadAt), so parallel part uploads never share a file cursor.
type FileChunkProvider struct {
	file *os.File
	size int64
}

// NewFileChunkProvider opens the file at path for positional reads.
func NewFileChunkProvider(path string) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileChunkProvider{
		file: file,
		size: info.Size(),
	}, nil
}

// GetChunk reads exactly r.Length bytes from r.Offset.
// The data is read into memory to allow for retries.
func (p *FileChunkProvider) GetChunk(r session.ByteRange) (*bytes.Reader, error) {
	if r.Offset < 0 || r.Length <= 0 || r.End() > p.size {
		return nil, fmt.Errorf("byte range [%d, %d) out of file bounds (%d bytes)", r.Offset, r.End(), p.size)
	}

	chunk := make([]byte, r.Length)
	if _, err := io.ReadFull(io.NewSectionReader(p.file, r.Offset, r.Length), chunk); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("short read of byte range [%d, %d): file was truncated", r.Offset, r.End())
		}
		return nil, fmt.Errorf("read byte range [%d, %d): %w", r.Offset, r.End(), err)
	}

	return bytes.NewReader(chunk), nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceChunkProvider provides parts from an in-memory buffer.
type ByteSliceChunkProvider struct {
	data []byte
}

// NewByteSliceChunkProvider creates a ChunkProvider from a byte slice.
func NewByteSliceChunkProvider(data []byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{data: data}
}

// GetChunk returns a reader over the range.
func (p *ByteSliceChunkProvider) GetChunk(r session.ByteRange) (*bytes.Reader, error) {
	if r.Offset < 0 || r.Length <= 0 || r.End() > int64(len(p.data)) {
		return nil, fmt.Errorf("byte range [%d, %d) out of range [0, %d)", r.Offset, r.End(), len(p.data))
	}
	return bytes.NewReader(p.data[r.Offset:r.End()]), nil
}
