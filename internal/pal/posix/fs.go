// Package posix implements the pal capabilities against a real filesystem
// and the standard library's crypto packages. It is the only production
// implementation; internal/esfs's tests use it too, pointed at t.TempDir(),
// rather than a separate in-memory fake. Real files are cheap enough in a
// unit test that a fake buys nothing here.
package posix

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/barnettlynn/esfs/internal/pal"
)

// FS implements pal.FS against the local filesystem. Primary and Secondary
// name the two partition roots; on a single-partition platform callers pass
// the same path for both, and IsPrivatePartition should then report false so
// the factory-reset controller never formats the one partition that holds
// both working and backup data.
type FS struct {
	Primary          string
	Secondary        string
	PrimaryPrivate   bool
	SecondaryPrivate bool
}

type file struct {
	f    *os.File
	lock bool
}

func (fl *file) Read(p []byte) (int, error)  { return fl.f.Read(p) }
func (fl *file) Write(p []byte) (int, error) { return fl.f.Write(p) }
func (fl *file) Seek(offset int64, whence int) (int64, error) {
	return fl.f.Seek(offset, whence)
}
func (fl *file) Tell() (int64, error) {
	return fl.f.Seek(0, io.SeekCurrent)
}
func (fl *file) Close() error {
	if fl.lock {
		_ = unix.Flock(int(fl.f.Fd()), unix.LOCK_UN)
	}
	return fl.f.Close()
}

// Open opens path under the given flag. OpenReadWriteCreateExclusive and
// OpenReadWriteTruncate take an advisory exclusive flock for the lifetime
// of the handle, enforcing single-writer access at the OS level. Conflicts
// are surfaced as errors, not queued or retried (multi-writer concurrency
// is out of scope).
func (fs *FS) Open(path string, flag pal.OpenFlag) (pal.File, error) {
	var osFlag int
	var takeLock bool
	switch flag {
	case pal.OpenReadOnly:
		osFlag = os.O_RDONLY
	case pal.OpenReadWriteCreateExclusive:
		osFlag = os.O_RDWR | os.O_CREATE | os.O_EXCL
		takeLock = true
	case pal.OpenReadWriteTruncate:
		osFlag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
		takeLock = true
	default:
		return nil, fmt.Errorf("posix: unknown open flag %d", flag)
	}

	f, err := os.OpenFile(path, osFlag, 0o600)
	if err != nil {
		return nil, err
	}
	if takeLock {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			return nil, fmt.Errorf("posix: flock %s: %w", path, err)
		}
	}
	return &file{f: f, lock: takeLock}, nil
}

func (fs *FS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (fs *FS) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o700)
}

func (fs *FS) Remove(path string) error {
	return os.Remove(path)
}

func (fs *FS) RemoveTree(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(path, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FS) CopyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(dst, 0o700); err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := fs.CopyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// Format removes everything under the partition's mount point. Real device
// formatting is a platform primitive this module has no access to from user
// space; wiping the tree is the observable effect callers depend on.
func (fs *FS) Format(partition pal.Partition) error {
	root, err := fs.MountPoint(partition)
	if err != nil {
		return err
	}
	if err := fs.RemoveTree(root); err != nil {
		return err
	}
	return os.MkdirAll(root, 0o700)
}

func (fs *FS) MountPoint(partition pal.Partition) (string, error) {
	switch partition {
	case pal.PartitionPrimary:
		return fs.Primary, nil
	case pal.PartitionSecondary:
		return fs.Secondary, nil
	default:
		return "", fmt.Errorf("posix: unknown partition %d", partition)
	}
}

func (fs *FS) IsPrivatePartition(partition pal.Partition) bool {
	switch partition {
	case pal.PartitionPrimary:
		return fs.PrimaryPrivate
	case pal.PartitionSecondary:
		return fs.SecondaryPrivate
	default:
		return false
	}
}
