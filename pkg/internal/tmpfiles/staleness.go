package tmpfiles

import (
	"io/fs"
	"os"

	"github.com/pkg/errors"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
	"github.com/grafana/jvmsyms/pkg/internal/nsview"
)

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		return info.Size(), nil
	case errors.Is(err, fs.ErrNotExist):
		return 0, nil
	default:
		return 0, errors.Wrapf(attacherr.ErrIO, "stat %s: %v", path, err)
	}
}

// TargetSymbolFileSize returns the size of the symbol map inside the target namespace.
// A missing file has size 0.
func (m *Manager) TargetSymbolFileSize(t nsview.Target) (int64, error) {
	path, err := m.TargetPath(t, m.layout.TargetMapFile)
	if err != nil {
		return 0, err
	}
	return fileSize(path)
}

// LocalSymbolFileSize returns the size of the local symbol map mirror. A missing file has
// size 0.
func (m *Manager) LocalSymbolFileSize(t nsview.Target) (int64, error) {
	return fileSize(m.LocalMapPath(t.PID))
}

// TargetSymbolFileAccess reports whether the target's symbol map exists and is readable.
func (m *Manager) TargetSymbolFileAccess(t nsview.Target) bool {
	path, err := m.TargetPath(t, m.layout.TargetMapFile)
	if err != nil {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// NeedsAttach is the staleness check: a non-empty local mirror that is not smaller than
// the target's symbol map is reused, unless the caller forces a fresh attach.
func NeedsAttach(targetSize, localSize int64, force bool) bool {
	if force {
		return true
	}
	return localSize <= 0 || localSize < targetSize
}

// Stale compares both symbol file sizes of a target and decides whether it must be
// attached again.
func (m *Manager) Stale(t nsview.Target, force bool) (bool, error) {
	if force {
		return true, nil
	}
	targetSize, err := m.TargetSymbolFileSize(t)
	if err != nil {
		return true, err
	}
	localSize, err := m.LocalSymbolFileSize(t)
	if err != nil {
		return true, err
	}
	stale := NeedsAttach(targetSize, localSize, false)
	m.log.Debug("staleness check", "pid", t.PID, "targetSize", targetSize, "localSize", localSize, "stale", stale)
	return stale, nil
}
