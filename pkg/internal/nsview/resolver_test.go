package nsview

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
	"github.com/grafana/jvmsyms/pkg/internal/testutil"
)

const (
	selfPID     = 1000
	containerID = "40c03570b6f4c30bc8d69923d37ee698f5cfcced92c7b7df1c47f6f7887378a9"
)

type fakeProc struct {
	nsPids []int
	pidNS  uint32
	mntNS  uint32
	start  uint64
	cgroup string
}

// fakeProcRoot creates a fake /proc filesystem with the given processes plus the
// resolver's own process, which lives in the host namespaces.
func fakeProcRoot(t *testing.T, procs map[int]fakeProc) string {
	root := t.TempDir()
	procs[selfPID] = fakeProc{nsPids: []int{selfPID}, pidNS: 4026531836, mntNS: 4026531840}
	for pid, fp := range procs {
		testutil.WriteProc(t, root, pid, testutil.Proc{
			NSPids:         fp.nsPids,
			PIDNamespace:   fp.pidNS,
			MountNamespace: fp.mntNS,
			StartTime:      fp.start,
			Cgroup:         fp.cgroup,
		})
	}
	return root
}

func testResolver(t *testing.T, procs map[int]fakeProc) *Resolver {
	r, err := NewResolver(fakeProcRoot(t, procs))
	require.NoError(t, err)
	r.selfPID = selfPID
	return r
}

func TestResolveNSPid(t *testing.T) {
	r := testResolver(t, map[int]fakeProc{
		4242: {nsPids: []int{4242, 1}, pidNS: 4026532300, mntNS: 4026532301},
		// nested namespaces: the innermost pid is the last one
		5000: {nsPids: []int{5000, 300, 7}, pidNS: 4026532400, mntNS: 4026532401},
		// same namespace: no translation needed, not an error
		6000: {nsPids: []int{6000}, pidNS: 4026531836, mntNS: 4026531840},
		// old kernels without NSpid
		7000: {pidNS: 4026531836, mntNS: 4026531840},
	})

	for pid, expected := range map[int]int{4242: 1, 5000: 7, 6000: 6000, 7000: 7000} {
		nsPid, err := r.ResolveNSPid(pid)
		require.NoError(t, err, "pid %d", pid)
		assert.Equal(t, expected, nsPid, "pid %d", pid)
	}

	_, err := r.ResolveNSPid(9999)
	assert.ErrorIs(t, err, attacherr.ErrProcessNotFound)
}

func TestResolve(t *testing.T) {
	r := testResolver(t, map[int]fakeProc{
		4242: {nsPids: []int{4242, 1}, pidNS: 4026532300, mntNS: 4026532301, start: 1700000000123,
			cgroup: "0::/kubepods.slice/kubepods-burstable.slice/cri-containerd-" + containerID + ".scope\n"},
		6000: {nsPids: []int{6000}, pidNS: 4026531836, mntNS: 4026531840, start: 1700000000456,
			cgroup: "0::/user.slice/user-1000.slice/session-2.scope\n"},
	})

	containerized, err := r.Resolve(4242)
	require.NoError(t, err)
	assert.Equal(t, Target{
		PID:            4242,
		NSPid:          1,
		StartTime:      1700000000123,
		PIDNamespace:   4026532300,
		MountNamespace: 4026532301,
		ContainerID:    containerID,
	}, containerized)
	assert.True(t, containerized.Translated())

	host, err := r.Resolve(6000)
	require.NoError(t, err)
	assert.True(t, host.SameMountNamespace)
	assert.False(t, host.Translated())
	assert.Empty(t, host.ContainerID)

	_, err = r.Resolve(31337)
	assert.ErrorIs(t, err, attacherr.ErrProcessNotFound)
}

func TestAlive_DetectsPIDReuse(t *testing.T) {
	procs := map[int]fakeProc{
		4242: {nsPids: []int{4242, 1}, pidNS: 4026532300, mntNS: 4026532301, start: 100},
	}
	r := testResolver(t, procs)
	target, err := r.Resolve(4242)
	require.NoError(t, err)
	assert.True(t, r.Alive(target))

	// the JVM restarted under the same pid
	testutil.WriteProc(t, r.ProcRoot(), 4242, testutil.Proc{
		NSPids: []int{4242, 1}, PIDNamespace: 4026532300, MountNamespace: 4026532301, StartTime: 200,
	})
	assert.False(t, r.Alive(target))

	testutil.RemoveProc(t, r.ProcRoot(), 4242)
	assert.False(t, r.Alive(target))
}

func TestView(t *testing.T) {
	r := testResolver(t, map[int]fakeProc{
		4242: {nsPids: []int{4242, 1}, pidNS: 4026532300, mntNS: 4026532301},
		6000: {nsPids: []int{6000}, pidNS: 4026531836, mntNS: 4026531840},
	})
	containerized, err := r.Resolve(4242)
	require.NoError(t, err)
	host, err := r.Resolve(6000)
	require.NoError(t, err)

	p, err := r.ResolveTargetPath(containerized, "/tmp/perf-1.map")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.ProcRoot(), "4242", "root", "tmp", "perf-1.map"), p)

	p, err = r.ResolveTargetPath(host, "/tmp/../tmp/perf-6000.map")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/perf-6000.map", p)

	_, err = r.ResolveTargetPath(host, "tmp/relative")
	assert.ErrorIs(t, err, attacherr.ErrPathResolution)
}

func TestView_Capacity(t *testing.T) {
	v := RootedView("/proc/4242/root")
	long := "/tmp/" + strings.Repeat("x", PathCapacity)
	_, err := v.Path(long)
	assert.ErrorIs(t, err, attacherr.ErrPathResolution)

	// fits a path buffer but not a unix socket address
	medium := "/tmp/" + strings.Repeat("s", UnixPathMax)
	_, err = v.Path(medium)
	require.NoError(t, err)
	_, err = v.SocketPath(medium)
	assert.ErrorIs(t, err, attacherr.ErrPathResolution)

	sock, err := v.SocketPath("/tmp/.jvmsyms-map-1.socket")
	require.NoError(t, err)
	assert.Equal(t, "/proc/4242/root/tmp/.jvmsyms-map-1.socket", sock)
}

func TestOptionsFor(t *testing.T) {
	opts, err := OptionsFor(7, "/tmp/perf-%d.map", "/tmp/perf-%d.log")
	require.NoError(t, err)
	assert.Equal(t, BoundedPath("/tmp/perf-7.map"), opts.PerfMapPath)
	assert.Equal(t, "/tmp/perf-7.log", opts.PerfLogPath.String())

	_, err = OptionsFor(7, "/tmp/"+strings.Repeat("m", PathCapacity)+"-%d", "/tmp/perf-%d.log")
	assert.ErrorIs(t, err, attacherr.ErrPathResolution)

	// the capacity counts the terminator: PathCapacity-1 bytes is the longest valid path
	_, err = NewBoundedPath("/" + strings.Repeat("a", PathCapacity-2))
	assert.NoError(t, err)
	_, err = NewBoundedPath("/" + strings.Repeat("a", PathCapacity-1))
	assert.ErrorIs(t, err, attacherr.ErrPathResolution)
}
