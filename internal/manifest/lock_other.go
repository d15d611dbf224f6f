//go:build !unix

package manifest

import "errors"

// ErrLockUnavailable is returned on platforms without flock(2). The store
// refuses to write rather than risk lost updates.
var ErrLockUnavailable = errors.New("manifest locking is not available on this platform")

type fileLock struct{}

func acquireLock(path string, _ bool) (*fileLock, error) {
	return nil, &LockError{Path: path, Op: "lock", Err: ErrLockUnavailable}
}

func (l *fileLock) Release() error { return nil }
