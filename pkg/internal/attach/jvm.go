package attach

import (
	"io"
	"log/slog"

	"github.com/grafana/jvmtools/jvm"
)

// JVM issues a command through the dynamic attach mechanism of a Java process. Attach
// switches the namespaces and credentials of the invoking OS thread, and Cleanup
// restores them, so both must run on the same locked thread.
type JVM interface {
	Init()
	Cleanup()
	Attach(pid int, argv []string, ignoreOnJ9 bool) (io.ReadCloser, error)
}

// RealJVM implements JVM through the jattach protocol of HotSpot and OpenJ9.
type RealJVM struct {
	attacher *jvm.JAttacher
	log      *slog.Logger
}

func NewJVM() *RealJVM {
	log := slog.With("component", "attach.JVM")
	return &RealJVM{attacher: jvm.NewJAttacher(log), log: log}
}

func (j *RealJVM) Init() {
	j.attacher.Init()
}

func (j *RealJVM) Cleanup() {
	if err := j.attacher.Cleanup(); err != nil {
		j.log.Warn("error on JVM attach cleanup", "error", err)
	}
}

func (j *RealJVM) Attach(pid int, argv []string, ignoreOnJ9 bool) (io.ReadCloser, error) {
	return j.attacher.Attach(pid, argv, ignoreOnJ9)
}
