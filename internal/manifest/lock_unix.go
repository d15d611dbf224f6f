//go:build unix

package manifest

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLockUnavailable is returned on platforms without flock(2). It is never
// returned here; it exists so callers compile on every platform.
var ErrLockUnavailable = errors.New("manifest locking is not available on this platform")

// fileLock holds a flock on the manifest's sibling lock file. The lock is
// advisory and host-local: it serializes processes on one machine and says
// nothing about other hosts or network filesystems.
type fileLock struct {
	path string
	file *os.File
}

// acquireLock opens (or creates) path and blocks until it holds the lock.
// flock needs no write access, so a shared lock opens the file read-only and
// works on a lock file owned by another user.
func acquireLock(path string, exclusive bool) (*fileLock, error) {
	f, err := openLockFile(path, exclusive)
	if err != nil {
		return nil, &LockError{Path: path, Op: "open", Err: err}
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for {
		err = unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, &LockError{Path: path, Op: "lock", Err: err}
	}
	return &fileLock{path: path, file: f}, nil
}

func openLockFile(path string, exclusive bool) (*os.File, error) {
	if exclusive {
		return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	}
	return f, err
}

// Release unlocks and closes the descriptor. Subsequent calls are no-ops.
func (l *fileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	// Close would drop the lock too; LOCK_UN first so a failure is reported
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return &LockError{Path: l.path, Op: "unlock", Err: err}
	}
	if err := f.Close(); err != nil {
		return &LockError{Path: l.path, Op: "close", Err: err}
	}
	return nil
}
