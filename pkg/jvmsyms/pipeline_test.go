package jvmsyms

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jvmsyms/pkg/internal/attach"
	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
	"github.com/grafana/jvmsyms/pkg/internal/imetrics"
	"github.com/grafana/jvmsyms/pkg/internal/testutil"
	"github.com/grafana/jvmsyms/pkg/internal/unload"
)

const (
	testTimeout = 10 * time.Second
	mapContents = "7f0000001000 40 Interpreter\n7f0000002000 80 LFoo;bar()V\n"
	logContents = "agent started\nunload 7f0000001000\nsync\nunload 7f0000002000\n"
	okResponse  = "0\nreturn code: 0\n"
)

// fakeAgent emulates a JVM that loads the symbol agent: it connects to the receiver
// sockets that are given in the load options and streams its symbol map and log.
type fakeAgent struct {
	procRoot string
	nsPids   map[int]int

	mt     sync.Mutex
	argv   [][]string
	before func(pid int)
	// when set, the agent connects in background once it's closed, after the load
	// command returned
	connectAfter <-chan struct{}
	mapData      string
	logData      string
	reply        string
}

func (f *fakeAgent) Init()    {}
func (f *fakeAgent) Cleanup() {}

func (f *fakeAgent) Attach(pid int, argv []string, _ bool) (io.ReadCloser, error) {
	f.mt.Lock()
	f.argv = append(f.argv, argv)
	before, connectAfter := f.before, f.connectAfter
	mapData, logData, reply := f.mapData, f.logData, f.reply
	f.mt.Unlock()

	if before != nil {
		before(pid)
	}
	root := filepath.Join(f.procRoot, strconv.Itoa(pid), "root")
	nsPid := strconv.Itoa(f.nsPids[pid])
	switch argv[0] {
	case "load":
		if reply == okResponse {
			if _, err := os.Stat(root + argv[1]); err != nil {
				return nil, err
			}
			socks := strings.Split(argv[3], ",")
			connect := func() error {
				if err := stream(root+socks[0], "jvmsyms map "+nsPid+"\n"+mapData); err != nil {
					return err
				}
				return stream(root+socks[1], "jvmsyms log "+nsPid+"\n"+logData)
			}
			if connectAfter != nil {
				go func() {
					<-connectAfter
					_ = connect()
				}()
			} else if err := connect(); err != nil {
				return nil, err
			}
		}
	case "jcmd":
		if argv[1] == "Compiler.perfmap" {
			path := filepath.Join(root, "tmp", "perf-"+nsPid+".map")
			if err := os.WriteFile(path, []byte(mapData), 0o644); err != nil {
				return nil, err
			}
		}
	}
	return io.NopCloser(strings.NewReader(reply)), nil
}

func (f *fakeAgent) set(fn func(f *fakeAgent)) {
	f.mt.Lock()
	defer f.mt.Unlock()
	fn(f)
}

func (f *fakeAgent) calls() int {
	f.mt.Lock()
	defer f.mt.Unlock()
	return len(f.argv)
}

func stream(path, data string) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = io.WriteString(conn, data)
	return err
}

type recordingReporter struct {
	imetrics.NoopReporter
	mt       sync.Mutex
	results  []string
	verified int
	bytes    map[string]int64
}

func (r *recordingReporter) AttachFinished(result string, _ time.Duration) {
	r.mt.Lock()
	defer r.mt.Unlock()
	r.results = append(r.results, result)
}

func (r *recordingReporter) BytesReceived(channel string, bytes int64) {
	r.mt.Lock()
	defer r.mt.Unlock()
	r.bytes[channel] += bytes
}

func (r *recordingReporter) UnloadsVerified(n int) {
	r.mt.Lock()
	defer r.mt.Unlock()
	r.verified += n
}

type fixture struct {
	procRoot string
	pipeline *Pipeline
	agent    *fakeAgent
	metrics  *recordingReporter
}

func newFixture(t *testing.T, mode attach.Mode) *fixture {
	// unix socket paths are short, so the fake proc root can't live in t.TempDir
	procRoot, err := os.MkdirTemp("", "jvs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(procRoot) })

	testutil.WriteProc(t, procRoot, 4242, testutil.Proc{
		NSPids: []int{4242, 1}, PIDNamespace: 11, MountNamespace: 21, StartTime: 100,
	})
	testutil.WriteProc(t, procRoot, 777, testutil.Proc{
		NSPids: []int{777, 5}, PIDNamespace: 12, MountNamespace: 22, StartTime: 300,
	})

	lib := filepath.Join(t.TempDir(), "libjvmsyms-agent.so")
	require.NoError(t, os.WriteFile(lib, []byte("ELF"), 0o644))

	cfg := DefaultConfig()
	cfg.ProcRoot = procRoot
	cfg.Mode = mode
	cfg.AgentLibrary = lib
	cfg.Paths.LocalDir = t.TempDir()
	cfg.AttachTimeout = 2 * time.Second
	cfg.ConnectTimeout = 2 * time.Second
	cfg.TransferTimeout = 5 * time.Second
	cfg.ExitPollInterval = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())

	agent := &fakeAgent{
		procRoot: procRoot,
		nsPids:   map[int]int{4242: 1, 777: 5},
		mapData:  mapContents,
		logData:  logContents,
		reply:    okResponse,
	}
	metrics := &recordingReporter{bytes: map[string]int64{}}
	p, err := newPipeline(cfg, agent, metrics)
	require.NoError(t, err)
	return &fixture{procRoot: procRoot, pipeline: p, agent: agent, metrics: metrics}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestAttach_Success(t *testing.T) {
	f := newFixture(t, attach.ModeAgent)

	report, err := f.pipeline.Attach(testContext(t), 4242, false)
	require.NoError(t, err)
	assert.Equal(t, attacherr.Success, report.Result)
	assert.True(t, report.ReplayDone)
	assert.True(t, report.Injected)
	assert.Equal(t, 1, report.Target.NSPid)

	assert.Equal(t, mapContents, readFile(t, report.MapFile))
	assert.Equal(t, logContents, readFile(t, report.LogFile))
	assert.EqualValues(t, len(mapContents), report.MapBytes)
	assert.EqualValues(t, len(logContents), report.LogBytes)

	// the target namespace is left clean
	entries, err := os.ReadDir(filepath.Join(f.procRoot, "4242", "root", "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// the unloads in the log are only trusted after the sync marker
	assert.True(t, f.pipeline.Unloads().Invalidates(4242, 0x7f0000001000))
	assert.False(t, f.pipeline.Unloads().Invalidates(4242, 0x7f0000002000))
	e, ok := f.pipeline.Unloads().Lookup(4242, 0x7f0000002000)
	require.True(t, ok)
	assert.Equal(t, unload.Entry{Addr: e.Addr}, e)
	// and only for the JVM that unloaded them
	assert.False(t, f.pipeline.Unloads().Invalidates(777, 0x7f0000001000))

	f.metrics.mt.Lock()
	defer f.metrics.mt.Unlock()
	assert.Equal(t, []string{"success"}, f.metrics.results)
	assert.Equal(t, 1, f.metrics.verified)
	assert.EqualValues(t, len(mapContents), f.metrics.bytes["map"])
}

func TestAttach_SkipsFreshMirror(t *testing.T) {
	f := newFixture(t, attach.ModeAgent)
	ctx := testContext(t)

	_, err := f.pipeline.Attach(ctx, 4242, false)
	require.NoError(t, err)
	require.Equal(t, 1, f.agent.calls())

	report, err := f.pipeline.Attach(ctx, 4242, false)
	require.NoError(t, err)
	assert.Equal(t, attacherr.Skipped, report.Result)
	assert.True(t, report.ReplayDone)
	assert.False(t, report.Injected)
	assert.Equal(t, 1, f.agent.calls())
	assert.Equal(t, mapContents, readFile(t, report.MapFile))

	// forcing always attaches
	report, err = f.pipeline.Attach(ctx, 4242, true)
	require.NoError(t, err)
	assert.Equal(t, attacherr.Success, report.Result)
	assert.Equal(t, 2, f.agent.calls())
	assert.Equal(t, mapContents, readFile(t, report.MapFile))
}

func TestAttach_PIDReuseForcesAttach(t *testing.T) {
	f := newFixture(t, attach.ModeAgent)
	ctx := testContext(t)

	_, err := f.pipeline.Attach(ctx, 4242, false)
	require.NoError(t, err)

	// another JVM is started under the same pid
	testutil.WriteProc(t, f.procRoot, 4242, testutil.Proc{
		NSPids: []int{4242, 1}, PIDNamespace: 11, MountNamespace: 21, StartTime: 900,
	})
	f.agent.set(func(f *fakeAgent) {
		f.mapData = "7f0000009000 10 LBaz;qux()V\n"
		f.logData = "agent started\n"
	})

	report, err := f.pipeline.Attach(ctx, 4242, false)
	require.NoError(t, err)
	assert.Equal(t, attacherr.Success, report.Result)
	assert.True(t, report.Injected)
	assert.EqualValues(t, 900, report.Target.StartTime)
	assert.Equal(t, "7f0000009000 10 LBaz;qux()V\n", readFile(t, report.MapFile))
	// the addresses unloaded by the previous JVM don't apply to the new one
	assert.False(t, f.pipeline.Unloads().Invalidates(4242, 0x7f0000001000))
	assert.Zero(t, f.pipeline.Unloads().Len(4242))
}

func TestAttach_ProcessExitsAfterInjection(t *testing.T) {
	f := newFixture(t, attach.ModeAgent)
	// the JVM acknowledges the load but dies before the agent connects
	f.agent.set(func(a *fakeAgent) {
		a.reply = "0\n0\n"
		a.mapData = ""
		a.before = func(pid int) {
			time.AfterFunc(50*time.Millisecond, func() {
				os.RemoveAll(filepath.Join(a.procRoot, strconv.Itoa(pid)))
			})
		}
	})

	report, err := f.pipeline.Attach(testContext(t), 4242, false)
	require.Error(t, err)
	assert.Equal(t, attacherr.ProcessExited, report.Result)
	assert.False(t, report.ReplayDone)
	assert.True(t, errors.Is(err, attacherr.ErrProcessExited))
	assert.Less(t, report.Duration, 2*time.Second)

	assert.Empty(t, readFile(t, report.MapFile))
	assert.Empty(t, readFile(t, report.LogFile))

	f.pipeline.Files().ClearLocalPerfFiles(4242)
	assert.Empty(t, readFile(t, report.MapFile))
}

func TestAttach_ProcessNotFound(t *testing.T) {
	f := newFixture(t, attach.ModeAgent)

	report, err := f.pipeline.Attach(testContext(t), 31337, false)
	require.Error(t, err)
	assert.Equal(t, attacherr.ProcessExited, report.Result)
	assert.False(t, report.Injected)
	assert.Zero(t, f.agent.calls())
}

func TestAttach_ConcurrentSessionIsBusy(t *testing.T) {
	f := newFixture(t, attach.ModeAgent)
	// the agent of the first session connects late, so it keeps the pid in use
	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	f.agent.set(func(a *fakeAgent) {
		a.connectAfter = gate
		a.before = func(int) {
			once.Do(func() { close(entered) })
		}
	})

	ctx := testContext(t)
	reports := make(chan *Report, 2)
	for range 2 {
		go func() {
			report, _ := f.pipeline.Attach(ctx, 777, false)
			reports <- report
		}()
	}

	first := <-reports
	assert.Equal(t, attacherr.Busy, first.Result)
	assert.False(t, first.Injected)
	assert.False(t, first.ReplayDone)

	<-entered
	close(gate)
	second := <-reports
	assert.Equal(t, attacherr.Success, second.Result)
	assert.Equal(t, mapContents, readFile(t, second.MapFile))
	assert.Equal(t, 1, f.agent.calls())
}

func TestAttach_Rejected(t *testing.T) {
	f := newFixture(t, attach.ModeAgent)
	f.agent.set(func(a *fakeAgent) { a.reply = "0\nreturn code: 100\n" })

	report, err := f.pipeline.Attach(testContext(t), 4242, false)
	require.Error(t, err)
	assert.Equal(t, attacherr.InjectionRejected, report.Result)
	assert.False(t, report.ReplayDone)

	// neither the agent library nor the sockets are left behind
	entries, err := os.ReadDir(filepath.Join(f.procRoot, "4242", "root", "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	// a failed attach is retried on the next request
	f.agent.set(func(a *fakeAgent) { a.reply = okResponse })
	report, err = f.pipeline.Attach(testContext(t), 4242, false)
	require.NoError(t, err)
	assert.Equal(t, attacherr.Success, report.Result)
}

func TestAttach_PerfMapMode(t *testing.T) {
	f := newFixture(t, attach.ModePerfMap)
	ctx := testContext(t)

	report, err := f.pipeline.Attach(ctx, 777, false)
	require.NoError(t, err)
	assert.Equal(t, attacherr.Success, report.Result)
	assert.True(t, report.Injected)
	assert.Equal(t, mapContents, readFile(t, report.MapFile))
	assert.Empty(t, readFile(t, report.LogFile))
	f.agent.mt.Lock()
	assert.Equal(t, []string{"jcmd", "Compiler.perfmap"}, f.agent.argv[0])
	f.agent.mt.Unlock()

	// the JVM keeps appending to its perf map, which is copied without a new injection
	targetMap := filepath.Join(f.procRoot, "777", "root", "tmp", "perf-5.map")
	grown := mapContents + "7f0000003000 20 LFoo;baz()V\n"
	require.NoError(t, os.WriteFile(targetMap, []byte(grown), 0o644))

	report, err = f.pipeline.Attach(ctx, 777, false)
	require.NoError(t, err)
	assert.Equal(t, attacherr.Success, report.Result)
	assert.False(t, report.Injected)
	assert.Equal(t, grown, readFile(t, report.MapFile))
	assert.Equal(t, 1, f.agent.calls())
}

func TestProbe(t *testing.T) {
	f := newFixture(t, attach.ModeAgent)
	f.agent.set(func(a *fakeAgent) { a.reply = "0\nOpenJDK 64-Bit Server VM version 21.0.2\n" })

	version, err := f.pipeline.Probe(testContext(t), 4242)
	require.NoError(t, err)
	assert.Contains(t, version, "21.0.2")
}

func TestFilesystemOperationsWaitForInjection(t *testing.T) {
	f := newFixture(t, attach.ModeAgent)
	gate := make(chan struct{})
	entered := make(chan struct{})
	f.agent.set(func(a *fakeAgent) {
		a.before = func(int) {
			close(entered)
			<-gate
		}
	})
	ctx := testContext(t)
	attached := make(chan *Report, 1)
	go func() {
		report, _ := f.pipeline.Attach(ctx, 4242, false)
		attached <- report
	}()
	<-entered

	// while the injection runs with the credentials of pid 4242, nothing touches the
	// files of other JVMs
	forgotten := make(chan error, 1)
	go func() {
		forgotten <- f.pipeline.Forget(777)
	}()
	assert.Never(t, func() bool { return len(forgotten) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	close(gate)
	select {
	case err := <-forgotten:
		require.NoError(t, err)
	case <-ctx.Done():
		require.Fail(t, "forget didn't resume after the injection")
	}
	assert.Equal(t, attacherr.Success, (<-attached).Result)
}
