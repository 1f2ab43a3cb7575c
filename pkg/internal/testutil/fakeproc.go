// Package testutil provides fixtures shared by the tests of different packages.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Proc describes a fake process in a fake proc filesystem.
type Proc struct {
	// NSPids as listed in the status file. Empty emulates kernels without NSpid.
	NSPids         []int
	PIDNamespace   uint32
	MountNamespace uint32
	// StartTime in clock ticks since boot
	StartTime uint64
	// Cgroup file contents. No cgroup file is written if empty.
	Cgroup string
}

// WriteProc creates, under the root of a fake proc filesystem, the entries of a
// process that are read by the namespace resolver, plus an empty /tmp directory in the
// process root filesystem.
func WriteProc(t *testing.T, root string, pid int, p Proc) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ns"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "root", "tmp"), 0o777))

	status := "Name:\tjava\nState:\tS (sleeping)\nTgid:\t" + strconv.Itoa(pid) + "\n"
	if len(p.NSPids) > 0 {
		ids := make([]string, 0, len(p.NSPids))
		for _, id := range p.NSPids {
			ids = append(ids, strconv.Itoa(id))
		}
		status += "NSpid:\t" + strings.Join(ids, "\t") + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(statLine(pid, p.StartTime)), 0o644))

	for name, inode := range map[string]uint32{"pid": p.PIDNamespace, "mnt": p.MountNamespace} {
		link := filepath.Join(dir, "ns", name)
		_ = os.Remove(link)
		require.NoError(t, os.Symlink(fmt.Sprintf("%s:[%d]", name, inode), link))
	}
	if p.Cgroup != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup"), []byte(p.Cgroup), 0o644))
	}
}

// RemoveProc makes a process disappear from the fake proc filesystem, as if it exited.
func RemoveProc(t *testing.T, root string, pid int) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(root, strconv.Itoa(pid))))
}

// statLine of /proc/<pid>/stat, with the start time as the 22nd field.
func statLine(pid int, startTime uint64) string {
	fields := []string{strconv.Itoa(pid), "(java)", "S"}
	// ppid to num_threads, then itrealvalue
	for i := 4; i <= 21; i++ {
		fields = append(fields, "1")
	}
	fields = append(fields, strconv.FormatUint(startTime, 10))
	// vsize to exit_code
	for i := 23; i <= 52; i++ {
		fields = append(fields, "0")
	}
	return strings.Join(fields, " ") + "\n"
}
