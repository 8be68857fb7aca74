package chunkuploader

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bitrise-io/go-multipart-upload/upload/session"
)

func TestByteSliceChunkProvider(t *testing.T) {
	provider := NewByteSliceChunkProvider([]byte("chunk1chunk2chunk3"))

	reader, err := provider.GetChunk(session.ByteRange{Offset: 6, Length: 6})
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	data, _ := io.ReadAll(reader)
	if string(data) != "chunk2" {
		t.Errorf("Expected 'chunk2', got %q", string(data))
	}

	if _, err := provider.GetChunk(session.ByteRange{Offset: 12, Length: 7}); err == nil {
		t.Error("Expected error for range past the end")
	}
	if _, err := provider.GetChunk(session.ByteRange{Offset: -1, Length: 2}); err == nil {
		t.Error("Expected error for negative offset")
	}
}

func TestFileChunkProvider(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "test.bin")
	content := testData(1000)
	if err := os.WriteFile(tmpFile, content, 0644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	provider, err := NewFileChunkProvider(tmpFile)
	if err != nil {
		t.Fatalf("NewFileChunkProvider failed: %v", err)
	}
	defer provider.Close()

	parts := session.SplitParts(1000, 64)

	// Positional reads from many goroutines must not interfere with each other.
	var wg sync.WaitGroup
	got := make([][]byte, len(parts))
	errs := make([]error, len(parts))
	for i, p := range parts {
		wg.Add(1)
		go func(i int, r session.ByteRange) {
			defer wg.Done()
			reader, err := provider.GetChunk(r)
			if err != nil {
				errs[i] = err
				return
			}
			got[i], errs[i] = io.ReadAll(reader)
		}(i, p.Range)
	}
	wg.Wait()

	for i, p := range parts {
		if errs[i] != nil {
			t.Fatalf("GetChunk(%d) failed: %v", p.PartNumber, errs[i])
		}
		want := content[p.Range.Offset:p.Range.End()]
		if string(got[i]) != string(want) {
			t.Errorf("Part %d content mismatch", p.PartNumber)
		}
	}

	// A retry gets a fresh reader from the start of the range.
	first, _ := provider.GetChunk(parts[2].Range)
	_, _ = io.ReadAll(first)
	second, _ := provider.GetChunk(parts[2].Range)
	if second.Len() != int(parts[2].Range.Length) {
		t.Errorf("Expected a full reader on retry, got %d bytes", second.Len())
	}
}

func TestFileChunkProvider_TruncatedFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "test.bin")
	if err := os.WriteFile(tmpFile, testData(100), 0644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	provider, err := NewFileChunkProvider(tmpFile)
	if err != nil {
		t.Fatalf("NewFileChunkProvider failed: %v", err)
	}
	defer provider.Close()

	if err := os.Truncate(tmpFile, 50); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}

	if _, err := provider.GetChunk(session.ByteRange{Offset: 40, Length: 20}); err == nil {
		t.Error("Expected short read error")
	}
}

func TestNewFileChunkProvider_MissingFile(t *testing.T) {
	if _, err := NewFileChunkProvider(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}
