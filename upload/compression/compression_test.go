package compression

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	testutil "github.com/bitrise-io/go-multipart-upload/internal/testing"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker bool

func (c staticChecker) HasZstd() bool { return bool(c) }

func writeSource(t *testing.T, dir, content string) string {
	path := filepath.Join(dir, "build.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCompress_NativeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := strings.Repeat("compressible line of build output\n", 2000)
	src := writeSource(t, dir, content)

	c := NewCompressor(filepath.Join(dir, "cache"), log.NewLogger(), env.NewRepository(), staticChecker(false))
	dst, err := c.Prepare(src)
	require.NoError(t, err)

	require.NoError(t, testutil.NewFileChecker(dst).IsFile().Check())
	require.NoError(t, testutil.NewFileChecker(filepath.Join(dir, "cache")).NoTempFiles(".compress_*.tmp").Check())

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(content)))
	assert.True(t, strings.HasSuffix(dst, Extension))

	var out bytes.Buffer
	require.NoError(t, Decompress(dst, &out))
	assert.Equal(t, content, out.String())
}

func TestCompress_Binary(t *testing.T) {
	checker := NewDependencyChecker(log.NewLogger(), env.NewRepository())
	if !checker.HasZstd() {
		t.Skip("zstd binary is not installed")
	}

	dir := t.TempDir()
	content := strings.Repeat("abc", 10000)
	src := writeSource(t, dir, content)

	c := NewCompressor(dir, log.NewLogger(), env.NewRepository(), checker)
	dst := filepath.Join(dir, "out.zst")
	require.NoError(t, c.Compress(src, dst))

	var out bytes.Buffer
	require.NoError(t, Decompress(dst, &out))
	assert.Equal(t, content, out.String())
}

func TestPrepare_ReusesFreshCopy(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "first version")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(src, old, old))

	c := NewCompressor(filepath.Join(dir, "cache"), log.NewLogger(), env.NewRepository(), staticChecker(false))
	first, err := c.Prepare(src)
	require.NoError(t, err)
	firstInfo, err := os.Stat(first)
	require.NoError(t, err)

	second, err := c.Prepare(src)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	secondInfo, err := os.Stat(second)
	require.NoError(t, err)
	assert.Equal(t, firstInfo.ModTime(), secondInfo.ModTime())
}

func TestPrepare_RebuildsStaleCopy(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "first version")

	c := NewCompressor(filepath.Join(dir, "cache"), log.NewLogger(), env.NewRepository(), staticChecker(false))
	dst, err := c.Prepare(src)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(src, []byte("second version"), 0o600))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))

	rebuilt, err := c.Prepare(src)
	require.NoError(t, err)
	assert.Equal(t, dst, rebuilt)

	var out bytes.Buffer
	require.NoError(t, Decompress(rebuilt, &out))
	assert.Equal(t, "second version", out.String())
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "content")

	c := NewCompressor(filepath.Join(dir, "cache"), log.NewLogger(), env.NewRepository(), staticChecker(false))
	dst, err := c.Prepare(src)
	require.NoError(t, err)

	require.NoError(t, c.Remove(src))
	require.NoError(t, testutil.NewFileChecker(dst).NotExists().Check())
	require.NoError(t, c.Remove(src))
}

func TestPrepare_MissingSource(t *testing.T) {
	c := NewCompressor(t.TempDir(), log.NewLogger(), env.NewRepository(), staticChecker(false))
	_, err := c.Prepare(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
