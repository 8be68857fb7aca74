package internal

import (
	"io/fs"
	"os"
)

// OsProxy defines the subset of os package functions the resume state store uses.
// Tests substitute it to simulate full disks and permission errors.
type OsProxy interface {
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	CreateTemp(dir, pattern string) (*os.File, error)
	ReadFile(name string) ([]byte, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	DirFS(dir string) fs.FS
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error)            { return os.Stat(name) }               //nolint:revive
func (RealOS) MkdirAll(path string, perm os.FileMode) error     { return os.MkdirAll(path, perm) }     //nolint:revive
func (RealOS) CreateTemp(dir, pattern string) (*os.File, error) { return os.CreateTemp(dir, pattern) } //nolint:revive
func (RealOS) ReadFile(name string) ([]byte, error)             { return os.ReadFile(name) }           //nolint:revive
func (RealOS) Remove(name string) error                         { return os.Remove(name) }             //nolint:revive
func (RealOS) Rename(oldpath, newpath string) error             { return os.Rename(oldpath, newpath) } //nolint:revive
func (RealOS) DirFS(dir string) fs.FS                           { return os.DirFS(dir) }               //nolint:revive
