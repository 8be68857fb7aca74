// Package testing holds file assertions shared by the state and compression tests.
package testing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileChecker allows chaining multiple checks on a file path.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker creates a FileChecker for the given path.
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path, Checks: []func(string) error{}}
}

// Check runs all checks and returns every failure joined into one error.
func (fc *FileChecker) Check() error {
	var errs []error
	for _, check := range fc.Checks {
		if err := check(fc.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsFile adds a check that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
	return fc
}

// NotExists adds a check that nothing exists at the path.
func (fc *FileChecker) NotExists() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		if _, err := os.Lstat(path); err == nil {
			return fmt.Errorf("expected %s to be removed, but it exists", path)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("lstat %s: %w", path, err)
		}
		return nil
	})
	return fc
}

// Contains adds a check that the file content contains every given substring.
func (fc *FileChecker) Contains(substrings ...string) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, s := range substrings {
			if !strings.Contains(string(b), s) {
				return fmt.Errorf("file %s does not contain %q", path, s)
			}
		}
		return nil
	})
	return fc
}

// SameContentAs adds a check that the file is byte-identical to the one at other.
func (fc *FileChecker) SameContentAs(other string) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		want, err := os.ReadFile(other)
		if err != nil {
			return err
		}
		if string(got) != string(want) {
			return fmt.Errorf("file %s differs from %s (%d vs %d bytes)", path, other, len(got), len(want))
		}
		return nil
	})
	return fc
}

// NoTempFiles adds a check that the directory at the path holds no leftover files matching pattern.
func (fc *FileChecker) NoTempFiles(pattern string) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		matches, err := filepath.Glob(filepath.Join(path, pattern))
		if err != nil {
			return err
		}
		if len(matches) > 0 {
			return fmt.Errorf("leftover temporary files in %s: %v", path, matches)
		}
		return nil
	})
	return fc
}

func getInfo(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}
