package nsview

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
)

const (
	// PathCapacity is the capacity of a path buffer, terminator included.
	PathCapacity = 256
	// UnixPathMax is the capacity of sockaddr_un.sun_path, terminator included.
	UnixPathMax = 108
)

// BoundedPath is a path that is known to fit into a PathCapacity buffer.
type BoundedPath string

// NewBoundedPath validates that p fits into PathCapacity. Overflowing paths are
// reported as ErrPathResolution and never truncated.
func NewBoundedPath(p string) (BoundedPath, error) {
	if err := checkLen(p, PathCapacity); err != nil {
		return "", err
	}
	return BoundedPath(p), nil
}

func (b BoundedPath) String() string {
	return string(b)
}

func checkLen(p string, capacity int) error {
	if p == "" {
		return errors.Wrap(attacherr.ErrPathResolution, "empty path")
	}
	if len(p) >= capacity {
		return errors.Wrapf(attacherr.ErrPathResolution,
			"path %q has %d bytes, capacity is %d", p, len(p), capacity-1)
	}
	return nil
}

// Options are the target-namespace paths where the JVM leaves (or streams) its symbol
// map and log. They are immutable for the duration of one attach.
type Options struct {
	PerfMapPath BoundedPath
	PerfLogPath BoundedPath
}

// OptionsFor expands the given printf-style templates with the namespace-relative pid.
func OptionsFor(nsPid int, mapFormat, logFormat string) (Options, error) {
	mapPath, err := NewBoundedPath(fmt.Sprintf(mapFormat, nsPid))
	if err != nil {
		return Options{}, fmt.Errorf("perf map path: %w", err)
	}
	logPath, err := NewBoundedPath(fmt.Sprintf(logFormat, nsPid))
	if err != nil {
		return Options{}, fmt.Errorf("perf log path: %w", err)
	}
	return Options{PerfMapPath: mapPath, PerfLogPath: logPath}, nil
}
