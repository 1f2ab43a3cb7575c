package config

import (
	"errors"
	"fmt"
	"strings"
)

// Paths of the files involved in an attach. Target entries are printf templates that
// receive the namespace-relative pid, and are interpreted inside the target's mount
// namespace.
type Paths struct {
	// LocalDir is the directory of the local mirror files. Defaults to the OS temp dir.
	LocalDir string `yaml:"local_dir" env:"JVMSYMS_LOCAL_DIR"`

	TargetMapFile   string `yaml:"target_map_file" env:"JVMSYMS_TARGET_MAP_FILE"`
	TargetLogFile   string `yaml:"target_log_file" env:"JVMSYMS_TARGET_LOG_FILE"`
	TargetMapSocket string `yaml:"target_map_socket" env:"JVMSYMS_TARGET_MAP_SOCKET"`
	TargetLogSocket string `yaml:"target_log_socket" env:"JVMSYMS_TARGET_LOG_SOCKET"`
	TargetAgentLib  string `yaml:"target_agent_lib" env:"JVMSYMS_TARGET_AGENT_LIB"`
}

// Validate that every target template is an absolute path with a single %d verb.
func (p *Paths) Validate() error {
	var errs []error
	for name, tmpl := range map[string]string{
		"target_map_file":   p.TargetMapFile,
		"target_log_file":   p.TargetLogFile,
		"target_map_socket": p.TargetMapSocket,
		"target_log_socket": p.TargetLogSocket,
		"target_agent_lib":  p.TargetAgentLib,
	} {
		switch {
		case !strings.HasPrefix(tmpl, "/"):
			errs = append(errs, fmt.Errorf("%s: %q must be an absolute path", name, tmpl))
		case strings.Count(tmpl, "%") != 1 || !strings.Contains(tmpl, "%d"):
			errs = append(errs, fmt.Errorf("%s: %q must contain exactly one %%d verb", name, tmpl))
		}
	}
	return errors.Join(errs...)
}
