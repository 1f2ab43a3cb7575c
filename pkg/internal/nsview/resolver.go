// Package nsview resolves how a target process sees itself from inside its own PID and
// mount namespaces, and how the caller can reach the files that the target sees.
package nsview

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
	"github.com/grafana/jvmsyms/pkg/internal/helpers/container"
)

const DefaultProcRoot = "/proc"

// Target identifies a process both by its host-visible pid and by the pid it perceives
// inside its own namespace. A Target is only valid while the process that was running
// under PID when it was resolved is still alive (see Resolver.Alive).
type Target struct {
	PID   int
	NSPid int
	// StartTime is the process creation time, in clock ticks since boot.
	StartTime int64

	PIDNamespace   uint32
	MountNamespace uint32
	// SameMountNamespace is true when the target shares the caller's mount namespace,
	// so its files can be opened without any path composition.
	SameMountNamespace bool
	// ContainerID is empty for processes that don't run in a container.
	ContainerID string
}

// Translated is true when the pid as seen by the target differs from the host pid.
func (t Target) Translated() bool {
	return t.PID != t.NSPid
}

func (t Target) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("pid", t.PID),
		slog.Int("nspid", t.NSPid),
		slog.Bool("sameMntNS", t.SameMountNamespace),
		slog.String("containerID", t.ContainerID),
	)
}

// Resolver reads the OS process-information interface to build Targets and their
// NamespaceViews.
type Resolver struct {
	log      *slog.Logger
	procRoot string
	fs       procfs.FS
	selfPID  int

	// injectable for testing
	startTime func(pid int) (int64, error)
}

func NewResolver(procRoot string) (*Resolver, error) {
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	pfs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("opening proc filesystem at %s: %w", procRoot, err)
	}
	r := &Resolver{
		log:      slog.With("component", "nsview.Resolver"),
		procRoot: procRoot,
		fs:       pfs,
		selfPID:  os.Getpid(),
	}
	r.startTime = r.statStartTime
	return r, nil
}

func (r *Resolver) statStartTime(pid int) (int64, error) {
	p, err := r.fs.Proc(pid)
	if err != nil {
		return 0, err
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, err
	}
	return int64(stat.Starttime), nil
}

// ProcRoot returns the root of the proc filesystem this resolver reads.
func (r *Resolver) ProcRoot() string {
	return r.procRoot
}

func (r *Resolver) proc(pid int) (procfs.Proc, error) {
	p, err := r.fs.Proc(pid)
	if err != nil {
		return procfs.Proc{}, procError(pid, err)
	}
	return p, nil
}

func procError(pid int, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errors.Wrapf(attacherr.ErrProcessNotFound, "pid %d", pid)
	case errors.Is(err, fs.ErrPermission):
		return errors.Wrapf(attacherr.ErrPermissionDenied, "pid %d", pid)
	default:
		return errors.Wrapf(attacherr.ErrIO, "pid %d: %v", pid, err)
	}
}

// ResolveNSPid returns the pid that the process perceives inside its own PID namespace.
// A process living in the caller's namespace gets its own pid back.
func (r *Resolver) ResolveNSPid(pid int) (int, error) {
	p, err := r.proc(pid)
	if err != nil {
		return 0, err
	}
	status, err := p.NewStatus()
	if err != nil {
		return 0, procError(pid, err)
	}
	if len(status.NSpids) == 0 {
		// kernels older than 4.1 do not report NSpid
		r.log.Debug("no NSpid entry. Assuming same PID namespace", "pid", pid)
		return pid, nil
	}
	return int(status.NSpids[len(status.NSpids)-1]), nil
}

// Resolve builds the Target for a host-visible pid.
func (r *Resolver) Resolve(pid int) (Target, error) {
	nsPid, err := r.ResolveNSPid(pid)
	if err != nil {
		return Target{}, err
	}
	t := Target{PID: pid, NSPid: nsPid}

	targetNS, err := r.namespaces(pid)
	if err != nil {
		return Target{}, err
	}
	selfNS, err := r.namespaces(r.selfPID)
	if err != nil {
		// without our own namespace we can't compare, so we always compose paths
		r.log.Debug("can't read own namespaces", "error", err)
		selfNS = procfs.Namespaces{}
	}
	if ns, ok := targetNS["pid"]; ok {
		t.PIDNamespace = ns.Inode
	}
	if ns, ok := targetNS["mnt"]; ok {
		t.MountNamespace = ns.Inode
		if own, ok := selfNS["mnt"]; ok {
			t.SameMountNamespace = own.Inode == ns.Inode
		}
	}

	if t.StartTime, err = r.startTime(pid); err != nil {
		return Target{}, procError(pid, err)
	}
	if info, err := container.InfoForPID(r.procRoot, pid); err == nil {
		t.ContainerID = info.ContainerID
	}
	r.log.Debug("resolved target", "target", t)
	return t, nil
}

func (r *Resolver) namespaces(pid int) (procfs.Namespaces, error) {
	p, err := r.proc(pid)
	if err != nil {
		return nil, err
	}
	ns, err := p.Namespaces()
	if err != nil {
		return nil, procError(pid, err)
	}
	return ns, nil
}

// Alive reports whether the process that the Target was resolved from is still running.
// A pid that has been reused by a newer process is not alive.
func (r *Resolver) Alive(t Target) bool {
	st, err := r.startTime(t.PID)
	return err == nil && st == t.StartTime
}

// ResolveTargetPath maps a path meaningful inside the target's mount namespace to a path
// that the caller can open directly.
func (r *Resolver) ResolveTargetPath(t Target, logical string) (string, error) {
	return r.View(t).Path(logical)
}
