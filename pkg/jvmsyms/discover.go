package jvmsyms

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/grafana/jvmsyms/pkg/internal/attach"
)

// JVMProcess is a Java process running in the host.
type JVMProcess struct {
	PID     int
	Name    string
	Cmdline string
	// CreateTime in milliseconds since the epoch
	CreateTime int64
}

// FindJVMs lists the Java processes that are visible from the current PID namespace.
// Processes that vanish or can't be inspected during the listing are skipped.
func FindJVMs(ctx context.Context) ([]JVMProcess, error) {
	// access to the executables depends on the effective credentials
	release := attach.HoldHostCredentials()
	defer release()
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var jvms []JVMProcess
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		// the executable is not readable for processes of other users
		exe, _ := p.ExeWithContext(ctx)
		if !isJVM(name, exe) {
			continue
		}
		jvm := JVMProcess{PID: int(p.Pid), Name: name}
		jvm.Cmdline, _ = p.CmdlineWithContext(ctx)
		jvm.CreateTime, _ = p.CreateTimeWithContext(ctx)
		jvms = append(jvms, jvm)
	}
	return jvms, nil
}

func isJVM(name, exe string) bool {
	if name == "java" {
		return true
	}
	if exe == "" {
		return false
	}
	// jsvc and custom launchers keep the JRE layout
	return filepath.Base(exe) == "java" || strings.HasSuffix(filepath.Dir(exe), "/jre/bin")
}
