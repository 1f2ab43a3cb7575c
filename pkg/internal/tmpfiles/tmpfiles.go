// Package tmpfiles manages the lifecycle of the temporary files of an attach: the
// artifacts left inside the target's namespace and the profiler-local mirror files.
package tmpfiles

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
	"github.com/grafana/jvmsyms/pkg/internal/nsview"
	"github.com/grafana/jvmsyms/pkg/internal/pidlock"
)

// Layout of the files involved in an attach. Target entries are printf templates
// receiving the namespace-relative pid and are interpreted inside the target's mount
// namespace. Local files live in LocalDir and are keyed by the host pid.
type Layout struct {
	LocalDir string

	TargetMapFile   string
	TargetLogFile   string
	TargetMapSocket string
	TargetLogSocket string
	TargetAgentLib  string
}

func DefaultLayout() Layout {
	return Layout{
		LocalDir:        os.TempDir(),
		TargetMapFile:   "/tmp/perf-%d.map",
		TargetLogFile:   "/tmp/perf-%d.log",
		TargetMapSocket: "/tmp/.jvmsyms-map-%d.socket",
		TargetLogSocket: "/tmp/.jvmsyms-log-%d.socket",
		TargetAgentLib:  "/tmp/libjvmsyms-agent-%d.so",
	}
}

// Status of the target namespace before a new attach.
type Status int

const (
	Ready Status = iota
	Busy
)

func (s Status) String() string {
	if s == Busy {
		return "busy"
	}
	return "ready"
}

type Manager struct {
	log      *slog.Logger
	resolver *nsview.Resolver
	layout   Layout
}

func NewManager(resolver *nsview.Resolver, layout Layout) *Manager {
	return &Manager{
		log:      slog.With("component", "tmpfiles.Manager"),
		resolver: resolver,
		layout:   layout,
	}
}

func (m *Manager) Layout() Layout {
	return m.layout
}

// LocalMapPath of the symbol map mirror for a host pid.
func (m *Manager) LocalMapPath(pid int) string {
	return filepath.Join(m.layout.LocalDir, fmt.Sprintf("perf-%d.map", pid))
}

// LocalLogPath of the log mirror for a host pid.
func (m *Manager) LocalLogPath(pid int) string {
	return filepath.Join(m.layout.LocalDir, fmt.Sprintf("perf-%d.log", pid))
}

// TargetPath composes the physical path of a target-namespace template.
func (m *Manager) TargetPath(t nsview.Target, template string) (string, error) {
	return m.resolver.View(t).Path(fmt.Sprintf(template, t.NSPid))
}

// TargetSocketPath is like TargetPath, for paths that are bound as unix sockets.
func (m *Manager) TargetSocketPath(t nsview.Target, template string) (string, error) {
	return m.resolver.View(t).SocketPath(fmt.Sprintf(template, t.NSPid))
}

// ClearTargetNSTmpFile removes one file inside the target namespace. It never fails:
// a missing file is the common case on a first attach.
func (m *Manager) ClearTargetNSTmpFile(path string) {
	err := os.Remove(path)
	switch {
	case err == nil:
		m.log.Debug("removed stale target file", "path", path)
	case errors.Is(err, fs.ErrNotExist):
	default:
		m.log.Warn("can't remove target file", "path", path, "error", err)
	}
}

// Acquire takes the per-pid lease that makes a session the only owner of the target's
// temporary files and of the local mirror files. Busy is returned, with a nil lease, if
// another session holds it.
func (m *Manager) Acquire(t nsview.Target) (*pidlock.Lease, Status, error) {
	lease, err := pidlock.TryAcquire(m.layout.LocalDir, t.PID)
	if errors.Is(err, attacherr.ErrBusy) {
		m.log.Debug("target namespace in use by another attach", "pid", t.PID)
		return nil, Busy, nil
	}
	if err != nil {
		return nil, Ready, err
	}
	return lease, Ready, nil
}

// CheckAndClearTargetNS prepares the target namespace for a new attach. With checkInUse
// it first takes the per-pid lease: if another session holds it, Busy is returned and
// nothing is touched. The returned lease (nil without checkInUse) must be released when
// the session ends.
func (m *Manager) CheckAndClearTargetNS(t nsview.Target, checkInUse bool) (*pidlock.Lease, Status, error) {
	var lease *pidlock.Lease
	if checkInUse {
		l, status, err := m.Acquire(t)
		if err != nil || status == Busy {
			return nil, status, err
		}
		lease = l
	}
	for _, template := range []string{
		m.layout.TargetMapFile,
		m.layout.TargetLogFile,
		m.layout.TargetMapSocket,
		m.layout.TargetLogSocket,
	} {
		path, err := m.TargetPath(t, template)
		if err != nil {
			if relErr := lease.Release(); relErr != nil {
				m.log.Warn("releasing lease", "pid", t.PID, "error", relErr)
			}
			return nil, Ready, err
		}
		m.ClearTargetNSTmpFile(path)
	}
	return lease, Ready, nil
}

// ClearTargetNSSo removes the injected agent library from the target namespace.
func (m *Manager) ClearTargetNSSo(t nsview.Target) {
	path, err := m.TargetPath(t, m.layout.TargetAgentLib)
	if err != nil {
		m.log.Warn("can't compose agent library path", "pid", t.PID, "error", err)
		return
	}
	m.ClearTargetNSTmpFile(path)
}

// InstallAgent copies the agent library into the target namespace and returns the path
// of the copy as the target sees it.
func (m *Manager) InstallAgent(t nsview.Target, srcLib string) (string, error) {
	logical := fmt.Sprintf(m.layout.TargetAgentLib, t.NSPid)
	dst, err := m.resolver.View(t).Path(logical)
	if err != nil {
		return "", err
	}
	if err := copyFile(srcLib, dst); err != nil {
		return "", errors.Wrapf(attacherr.ErrIO, "installing agent into pid %d: %v", t.PID, err)
	}
	return logical, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	// the JVM may run under any user, so the copy must be world readable
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy contents: %w", err)
	}
	if err := out.Chmod(0o644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	return out.Sync()
}

// ClearLocalPerfFiles truncates the local mirror files of a pid so that no stale bytes
// from a previous attach leak into a new symbol map.
func (m *Manager) ClearLocalPerfFiles(pid int) {
	for _, path := range []string{m.LocalMapPath(pid), m.LocalLogPath(pid)} {
		if err := os.Truncate(path, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.log.Warn("can't truncate local file", "path", path, "error", err)
		}
	}
}

// Sinks are the append-only local mirror files of one session.
type Sinks struct {
	Map *os.File
	Log *os.File
}

func (s Sinks) Close() error {
	var err error
	for _, f := range []*os.File{s.Map, s.Log} {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) && err == nil {
			err = cerr
		}
	}
	return err
}

// OpenLocalSinks recreates the local mirror files of a pid, empty, for a new session.
func (m *Manager) OpenLocalSinks(pid int) (Sinks, error) {
	if err := os.MkdirAll(m.layout.LocalDir, 0o755); err != nil {
		return Sinks{}, errors.Wrapf(attacherr.ErrIO, "creating %s: %v", m.layout.LocalDir, err)
	}
	const flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC | os.O_APPEND
	mapFile, err := os.OpenFile(m.LocalMapPath(pid), flags, 0o644)
	if err != nil {
		return Sinks{}, errors.Wrapf(attacherr.ErrIO, "opening local map file: %v", err)
	}
	logFile, err := os.OpenFile(m.LocalLogPath(pid), flags, 0o644)
	if err != nil {
		mapFile.Close()
		return Sinks{}, errors.Wrapf(attacherr.ErrIO, "opening local log file: %v", err)
	}
	return Sinks{Map: mapFile, Log: logFile}, nil
}

// RemoveLocalFiles deletes the local mirror files of a pid whose process is gone. The
// caller must hold the lease of the pid.
func (m *Manager) RemoveLocalFiles(pid int) {
	for _, path := range []string{m.LocalMapPath(pid), m.LocalLogPath(pid)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.log.Warn("can't remove local file", "path", path, "error", err)
		}
	}
}
