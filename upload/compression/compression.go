// Package compression prepares zstd compressed copies of files before they are uploaded.
//
// Compressed copies are cached, so an interrupted upload resumes against the same bytes.
package compression

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Extension is the file extension of compressed copies.
const Extension = ".zst"

// BinaryChecker ...
type BinaryChecker interface {
	HasZstd() bool
}

// DependencyChecker looks for an installed zstd binary.
type DependencyChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) *DependencyChecker {
	return &DependencyChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// HasZstd ...
func (dc *DependencyChecker) HasZstd() bool {
	cmdFactory := command.NewFactory(dc.envRepo)
	cmd := cmdFactory.Create("which", []string{"zstd"}, nil)
	dc.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Compressor ...
type Compressor struct {
	cacheDir      string
	logger        log.Logger
	envRepo       env.Repository
	binaryChecker BinaryChecker
}

// NewCompressor stores compressed copies under cacheDir.
func NewCompressor(cacheDir string, logger log.Logger, envRepo env.Repository, binaryChecker BinaryChecker) *Compressor {
	return &Compressor{
		cacheDir:      cacheDir,
		logger:        logger,
		envRepo:       envRepo,
		binaryChecker: binaryChecker,
	}
}

// Prepare returns the path of the compressed copy of srcPath. An existing copy is reused as long
// as it is not older than the source; otherwise it is rebuilt.
func (c *Compressor) Prepare(srcPath string) (string, error) {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	dstPath, err := c.CachedPath(srcPath)
	if err != nil {
		return "", err
	}

	if dstInfo, err := os.Stat(dstPath); err == nil && dstInfo.Size() > 0 && !dstInfo.ModTime().Before(srcInfo.ModTime()) {
		c.logger.Debugf("Reusing compressed copy %s", dstPath)
		return dstPath, nil
	}

	if err := os.MkdirAll(c.cacheDir, 0o700); err != nil {
		return "", fmt.Errorf("create compression cache dir: %w", err)
	}
	if err := c.Compress(srcPath, dstPath); err != nil {
		return "", err
	}

	return dstPath, nil
}

// CachedPath is where Prepare keeps the compressed copy of srcPath.
func (c *Compressor) CachedPath(srcPath string) (string, error) {
	abs, err := filepath.Abs(srcPath)
	if err != nil {
		return "", fmt.Errorf("resolve source path: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	name := fmt.Sprintf("%s_%s%s", filepath.Base(abs), hex.EncodeToString(sum[:8]), Extension)
	return filepath.Join(c.cacheDir, name), nil
}

// Remove deletes the cached copy of srcPath, if any.
func (c *Compressor) Remove(srcPath string) error {
	dstPath, err := c.CachedPath(srcPath)
	if err != nil {
		return err
	}
	if err := os.Remove(dstPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Compress writes the zstd compressed content of srcPath to dstPath. The destination only appears
// once it is complete.
func (c *Compressor) Compress(srcPath, dstPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".compress_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if c.binaryChecker != nil && c.binaryChecker.HasZstd() {
		c.logger.Debugf("Using installed zstd binary")
		err = c.compressWithBinary(srcPath, tmpPath)
	} else {
		c.logger.Debugf("Falling back to native implementation of zstd.")
		err = c.compressWithGoLib(srcPath, tmpPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compress %s: %w", srcPath, err)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("move compressed file: %w", err)
	}
	return nil
}

func (c *Compressor) compressWithGoLib(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			c.logger.Warnf("close %s: %s", srcPath, err)
		}
	}()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}

	zstdWriter, err := zstd.NewWriter(dst)
	if err != nil {
		_ = dst.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zstdWriter, src); err != nil {
		_ = zstdWriter.Close()
		_ = dst.Close()
		return fmt.Errorf("copy to zstd writer: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		_ = dst.Close()
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}

	return nil
}

func (c *Compressor) compressWithBinary(srcPath, dstPath string) error {
	cmdFactory := command.NewFactory(c.envRepo)

	/*
		zstd arguments:
		--threads=0: Use CPU count threads
		-q: No progress output
		-f: Overwrite the (empty) temp file
		-o: Output file
	*/
	cmd := cmdFactory.Create("zstd", []string{"--threads=0", "-q", "-f", "-o", dstPath, srcPath}, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}

	return nil
}

// Decompress writes the decompressed content of the zstd file at srcPath to w.
func Decompress(srcPath string, w io.Writer) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("read file %s: %w", srcPath, err)
	}
	defer f.Close() //nolint:errcheck

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	if _, err := io.Copy(w, zr); err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return nil
}
