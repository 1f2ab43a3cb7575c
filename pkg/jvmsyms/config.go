package jvmsyms

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/grafana/jvmsyms/pkg/config"
	"github.com/grafana/jvmsyms/pkg/internal/attach"
	"github.com/grafana/jvmsyms/pkg/internal/imetrics"
	"github.com/grafana/jvmsyms/pkg/internal/nsview"
	"github.com/grafana/jvmsyms/pkg/internal/tmpfiles"
	"github.com/grafana/jvmsyms/pkg/internal/unload"
)

const DefaultTargetCacheSize = 1024

// Config as provided by the user to configure the attach operations
type Config struct {
	LogLevel string `yaml:"log_level" env:"JVMSYMS_LOG_LEVEL"`

	// ProcRoot is the mount point of the proc filesystem of the host.
	ProcRoot string `yaml:"proc_root" env:"JVMSYMS_PROC_ROOT"`

	// Mode of injection: "agent" or "perfmap"
	Mode attach.Mode `yaml:"mode" env:"JVMSYMS_MODE"`
	// AgentLibrary is the local path of the JVMTI agent that is loaded in agent mode.
	AgentLibrary string `yaml:"agent_library" env:"JVMSYMS_AGENT_LIBRARY"`
	// EnableDynamicAgentLoading flips the -XX:-EnableDynamicAgentLoading flag of the
	// targets before loading the agent.
	EnableDynamicAgentLoading bool `yaml:"enable_dynamic_agent_loading" env:"JVMSYMS_ENABLE_DYNAMIC_AGENT_LOADING"`
	// ReuseTargetMap skips the injection in perfmap mode when the target already has a
	// readable perf map file.
	ReuseTargetMap bool `yaml:"reuse_target_map" env:"JVMSYMS_REUSE_TARGET_MAP"`

	Paths config.Paths `yaml:"paths"`

	// AttachTimeout bounds the wait for the JVM to acknowledge the injected command.
	AttachTimeout time.Duration `yaml:"attach_timeout" env:"JVMSYMS_ATTACH_TIMEOUT"`
	// ConnectTimeout bounds the wait for the agent to connect to each receiver socket.
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"JVMSYMS_CONNECT_TIMEOUT"`
	// TransferTimeout bounds a whole receiver session.
	TransferTimeout time.Duration `yaml:"transfer_timeout" env:"JVMSYMS_TRANSFER_TIMEOUT"`
	// ExitPollInterval is the frequency of the liveness checks of the target.
	ExitPollInterval time.Duration `yaml:"exit_poll_interval" env:"JVMSYMS_EXIT_POLL_INTERVAL"`

	// UnloadTrackerSize is the maximum number of unloaded addresses that are remembered.
	UnloadTrackerSize int `yaml:"unload_tracker_size" env:"JVMSYMS_UNLOAD_TRACKER_SIZE"`
	// TargetCacheSize is the maximum number of attached processes whose start time is
	// remembered to detect PID reuse.
	TargetCacheSize int `yaml:"target_cache_size" env:"JVMSYMS_TARGET_CACHE_SIZE"`

	InternalMetrics imetrics.Config `yaml:"internal_metrics"`

	// ProfilePort enables the pprof and delta profiling HTTP endpoints of jvmsyms itself.
	ProfilePort int `yaml:"profile_port" env:"JVMSYMS_PROFILE_PORT"`
}

func DefaultConfig() *Config {
	layout := tmpfiles.DefaultLayout()
	return &Config{
		LogLevel:       "INFO",
		ProcRoot:       nsview.DefaultProcRoot,
		Mode:           attach.ModeAgent,
		ReuseTargetMap: true,
		Paths: config.Paths{
			LocalDir:        layout.LocalDir,
			TargetMapFile:   layout.TargetMapFile,
			TargetLogFile:   layout.TargetLogFile,
			TargetMapSocket: layout.TargetMapSocket,
			TargetLogSocket: layout.TargetLogSocket,
			TargetAgentLib:  layout.TargetAgentLib,
		},
		AttachTimeout:     attach.DefaultTimeout,
		ConnectTimeout:    5 * time.Second,
		TransferTimeout:   30 * time.Second,
		ExitPollInterval:  attach.DefaultExitPollInterval,
		UnloadTrackerSize: unload.DefaultCapacity,
		TargetCacheSize:   DefaultTargetCacheSize,
		InternalMetrics: imetrics.Config{
			Prometheus: imetrics.PrometheusConfig{Path: "/internal/metrics"},
		},
	}
}

type ConfigError string

func (e ConfigError) Error() string {
	return string(e)
}

func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return ConfigError(fmt.Sprintf("invalid JVMSYMS_MODE %q. Valid values: agent, perfmap", c.Mode))
	}
	if c.Mode == attach.ModeAgent {
		if c.AgentLibrary == "" {
			return ConfigError("agent mode requires JVMSYMS_AGENT_LIBRARY")
		}
		if _, err := os.Stat(c.AgentLibrary); err != nil {
			return ConfigError(fmt.Sprintf("can't access agent library: %s", err))
		}
	}
	if err := c.Paths.Validate(); err != nil {
		return ConfigError(err.Error())
	}
	if c.AttachTimeout <= 0 || c.ConnectTimeout <= 0 || c.TransferTimeout <= 0 {
		return ConfigError("attach, connect and transfer timeouts must be positive")
	}
	if c.TransferTimeout < c.AttachTimeout {
		return ConfigError("JVMSYMS_TRANSFER_TIMEOUT can't be shorter than JVMSYMS_ATTACH_TIMEOUT")
	}
	if _, err := c.SlogLevel(); err != nil {
		return ConfigError(err.Error())
	}
	return nil
}

// SlogLevel parses the configured log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return lvl, fmt.Errorf("invalid JVMSYMS_LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Layout of the attach files.
func (c *Config) Layout() tmpfiles.Layout {
	return tmpfiles.Layout{
		LocalDir:        c.Paths.LocalDir,
		TargetMapFile:   c.Paths.TargetMapFile,
		TargetLogFile:   c.Paths.TargetLogFile,
		TargetMapSocket: c.Paths.TargetMapSocket,
		TargetLogSocket: c.Paths.TargetLogSocket,
		TargetAgentLib:  c.Paths.TargetAgentLib,
	}
}

// LoadConfig loads the configuration, overridden in the following order
// (from less to most priority):
// 1 - Default configuration
// 2 - Contents of the provided file reader (nillable)
// 3 - Environment variables
func LoadConfig(file io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if file != nil {
		cfgBuf, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("reading YAML configuration: %w", err)
		}
		// replaces environment variables in YAML file
		cfgBuf = config.ReplaceEnv(cfgBuf)
		if err := yaml.Unmarshal(cfgBuf, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML configuration: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading env vars: %w", err)
	}
	return cfg, nil
}
