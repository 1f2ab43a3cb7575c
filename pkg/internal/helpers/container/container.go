// Package container provides helper tools to inspect container information
package container

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// Info that we keep from the container of a process.
type Info struct {
	ContainerID string
}

// Container IDs are 64 hex characters. In a cgroup v2 entry like
// 0::/docker/<hex...>/kubelet.slice/.../cri-containerd-<hex...>.scope
// the ID that is attached to a .scope unit belongs to the process container. When no
// scope unit exists (GKE, Docker 27+) the ID is the last path element.
var (
	scopeID    = regexp.MustCompile(`[/-]([0-9a-f]{64})\.scope`)
	lastPathID = regexp.MustCompile(`/([0-9a-f]{64})$`)
)

// InfoForPID returns the container information of the given PID, reading the cgroup
// file of the provided proc filesystem.
func InfoForPID(procRoot string, pid int) (Info, error) {
	cgroupFile := filepath.Join(procRoot, strconv.Itoa(pid), "cgroup")
	cgroupBytes, err := os.ReadFile(cgroupFile)
	if err != nil {
		return Info{}, fmt.Errorf("reading %s: %w", cgroupFile, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(cgroupBytes))
	for sc.Scan() {
		entry := sc.Bytes()
		// only the unified hierarchy tells the container of the process
		if !bytes.HasPrefix(entry, []byte("0::")) {
			continue
		}
		if sm := scopeID.FindSubmatch(entry); len(sm) > 1 {
			return Info{ContainerID: string(sm[1])}, nil
		}
		if sm := lastPathID.FindSubmatch(entry); len(sm) > 1 {
			return Info{ContainerID: string(sm[1])}, nil
		}
	}
	return Info{}, fmt.Errorf("%s: couldn't find any container entry for process with PID %d", cgroupFile, pid)
}
