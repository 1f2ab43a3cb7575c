// Package pidlock provides the advisory "in use" guard of an attach: a per-pid
// exclusive flock(2) that is held for the whole lifetime of one attach session.
//
// A Lease is the proof that its holder owns the target's temp files and the local
// mirror files of that pid. Locks are taken per open file description, so two
// attaches for the same pid conflict whether they run in the same process or not.
package pidlock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
)

const fileFormat = ".jvmsyms-%d.lock"

// Path of the lock file of a pid inside dir.
func Path(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf(fileFormat, pid))
}

// Lease of the per-pid lock. Release it exactly when the attach session ends.
type Lease struct {
	pid  int
	path string
	f    *os.File
	once sync.Once
}

func (l *Lease) PID() int {
	return l.pid
}

// Remove unlinks the lock file while the lease is still held, so no lock file is left
// behind for a process that won't be attached again. The lease must still be released.
// Sessions that acquire the pid afterwards create a new lock file.
func (l *Lease) Remove() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(attacherr.ErrIO, "removing lock file %s: %v", l.path, err)
	}
	return nil
}

// Release unlocks and closes the lock file. It is safe to call it multiple times
// and on a nil Lease.
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
		err = l.f.Close()
		if unlockErr != nil {
			err = fmt.Errorf("unlocking pid %d: %w", l.pid, unlockErr)
		}
	})
	return err
}

// TryAcquire takes the lock of pid without blocking. If another session holds it,
// it returns attacherr.ErrBusy.
func TryAcquire(dir string, pid int) (*Lease, error) {
	path := Path(dir, pid)
	for {
		lease, err := tryAcquire(path, pid)
		if err == nil && lease == nil {
			// the lock file was removed by its previous holder before we locked it
			continue
		}
		return lease, err
	}
}

func tryAcquire(path string, pid int) (*Lease, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(attacherr.ErrIO, "opening lock file %s: %v", path, err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err != unix.EINTR {
			break
		}
	}
	switch {
	case err == nil:
		if !sameFile(f, path) {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			return nil, nil
		}
		return &Lease{pid: pid, path: path, f: f}, nil
	case err == unix.EWOULDBLOCK:
		f.Close()
		return nil, errors.Wrapf(attacherr.ErrBusy, "pid %d", pid)
	default:
		f.Close()
		return nil, errors.Wrapf(attacherr.ErrIO, "flock %s: %v", path, err)
	}
}

// sameFile reports whether the locked file is still the one linked at path.
func sameFile(f *os.File, path string) bool {
	locked, err := f.Stat()
	if err != nil {
		return false
	}
	linked, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(locked, linked)
}
