// Package attach injects the symbol dump commands into a running JVM through its
// dynamic attach mechanism.
package attach

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/grafana/jvmtools/jvm"
	"github.com/pkg/errors"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
	"github.com/grafana/jvmsyms/pkg/internal/nsview"
)

// Mode of injection.
type Mode string

const (
	// ModeAgent loads a JVMTI agent that streams the symbol map and the log into the
	// receiver sockets.
	ModeAgent Mode = "agent"
	// ModePerfMap makes the JVM write its own perf map file, which is read afterwards.
	ModePerfMap Mode = "perfmap"
)

func (m Mode) Valid() bool {
	return m == ModeAgent || m == ModePerfMap
}

const (
	DefaultTimeout          = 10 * time.Second
	DefaultExitPollInterval = 50 * time.Millisecond

	maxResponseSize = 64 * 1024
	defaultPerfMap  = "/tmp/perf-%d.map"
)

type Config struct {
	Mode    Mode
	Timeout time.Duration
	// ExitPollInterval is the frequency of the target liveness checks while waiting
	// for a response.
	ExitPollInterval time.Duration
	// EnableDynamicAgentLoading flips the -XX:-EnableDynamicAgentLoading flag of the
	// target before loading the agent.
	EnableDynamicAgentLoading bool
}

// Request of one injection.
type Request struct {
	Target nsview.Target
	// Options are logical paths inside the target's namespace. In agent mode they are
	// the receiver sockets, in perf map mode the file that the JVM writes.
	Options nsview.Options
	// AgentLib is the logical path of the installed agent library, for agent mode.
	AgentLib string
}

// overridable for testing
var enableDynamicAgentLoading = jvm.EnableDynamicAgentLoading

type Attacher struct {
	log   *slog.Logger
	cfg   Config
	jvm   JVM
	alive func(nsview.Target) bool
	// one command in flight per attacher
	sem chan struct{}
}

// NewAttacher with a JVM implementation and a liveness check for the targets.
func NewAttacher(cfg Config, j JVM, alive func(nsview.Target) bool) *Attacher {
	if cfg.Mode == "" {
		cfg.Mode = ModeAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ExitPollInterval <= 0 {
		cfg.ExitPollInterval = DefaultExitPollInterval
	}
	return &Attacher{
		log:   slog.With("component", "attach.Attacher"),
		cfg:   cfg,
		jvm:   j,
		alive: alive,
		sem:   make(chan struct{}, 1),
	}
}

func (a *Attacher) Mode() Mode {
	return a.cfg.Mode
}

// Attach injects the dump command. A Success result confirms that the target accepted
// it and the receiver may read what it writes.
func (a *Attacher) Attach(ctx context.Context, req Request) (attacherr.Result, error) {
	log := a.log.With("pid", req.Target.PID, "nspid", req.Target.NSPid, "mode", a.cfg.Mode)
	argv, err := a.command(req)
	if err != nil {
		return attacherr.IOError, err
	}
	if a.cfg.Mode == ModeAgent && a.cfg.EnableDynamicAgentLoading {
		a.enableAgentLoading(log, req.Target)
	}
	log.Debug("injecting", "command", strings.Join(argv, " "))
	resp, err := a.exec(ctx, req.Target, argv)
	if err != nil {
		result := attacherr.ResultFromError(err)
		log.Debug("injection failed", "result", result, "error", err)
		return result, err
	}
	log.Debug("injection accepted", "output", strings.TrimSpace(resp.Output))
	return attacherr.Success, nil
}

// Probe runs a harmless diagnostic command in the target and returns the JVM version.
func (a *Attacher) Probe(ctx context.Context, t nsview.Target) (string, error) {
	resp, err := a.exec(ctx, t, []string{"jcmd", "VM.version"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Output), nil
}

func (a *Attacher) command(req Request) ([]string, error) {
	switch a.cfg.Mode {
	case ModeAgent:
		if req.AgentLib == "" {
			return nil, errors.Wrap(attacherr.ErrIO, "agent mode requires an agent library")
		}
		return []string{"load", req.AgentLib, "true",
			req.Options.PerfMapPath.String() + "," + req.Options.PerfLogPath.String()}, nil
	case ModePerfMap:
		argv := []string{"jcmd", "Compiler.perfmap"}
		// custom file names are only supported from JDK 22
		if p := req.Options.PerfMapPath.String(); p != "" && p != fmt.Sprintf(defaultPerfMap, req.Target.NSPid) {
			argv = append(argv, "filename="+p)
		}
		return argv, nil
	default:
		return nil, errors.Wrapf(attacherr.ErrIO, "unknown attach mode %q", a.cfg.Mode)
	}
}

func (a *Attacher) enableAgentLoading(log *slog.Logger, t nsview.Target) {
	status, err := enableDynamicAgentLoading(t.PID)
	if err != nil {
		log.Warn("can't enable dynamic agent loading", "error", err)
		return
	}
	if status == jvm.FlippedFlag {
		log.Info("enabled dynamic agent loading")
	}
}

type reply struct {
	data []byte
	err  error
}

func (a *Attacher) exec(ctx context.Context, t nsview.Target, argv []string) (Response, error) {
	if !a.alive(t) {
		return Response{}, errors.Wrapf(attacherr.ErrProcessExited, "pid %d", t.PID)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return Response{}, errors.Wrap(attacherr.ErrTimeout, "waiting for another attach to finish")
	}
	replies := make(chan reply, 1)
	go a.run(ctx, t.PID, argv, replies)

	ticker := time.NewTicker(a.cfg.ExitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-replies:
			if r.err != nil {
				return Response{}, a.classify(t, r.err)
			}
			return parseResponse(argv[0], r.data)
		case <-ticker.C:
			if !a.alive(t) {
				return Response{}, errors.Wrapf(attacherr.ErrProcessExited, "pid %d exited during attach", t.PID)
			}
		case <-ctx.Done():
			if !a.alive(t) {
				return Response{}, errors.Wrapf(attacherr.ErrProcessExited, "pid %d exited during attach", t.PID)
			}
			return Response{}, errors.Wrapf(attacherr.ErrTimeout, "no response from pid %d: %v", t.PID, ctx.Err())
		}
	}
}

func (a *Attacher) run(ctx context.Context, pid int, argv []string, replies chan<- reply) {
	defer func() { <-a.sem }()
	// The thread enters the target namespaces. It is never unlocked, so it is
	// terminated with the goroutine instead of being reused.
	runtime.LockOSThread()
	// jattach changes the effective credentials of the whole process. They are
	// restored by Cleanup, so the gate is reopened after it.
	restored := hostCredentials.switchCredentials()
	defer restored()
	if err := ctx.Err(); err != nil {
		// the caller gave up while waiting
		replies <- reply{err: err}
		return
	}
	a.jvm.Init()
	defer a.jvm.Cleanup()

	out, err := a.jvm.Attach(pid, argv, false)
	if err != nil {
		replies <- reply{err: err}
		return
	}
	if out == nil {
		replies <- reply{err: errors.Wrap(attacherr.ErrInjectionRejected, "unsupported JVM")}
		return
	}
	defer out.Close()
	stop := context.AfterFunc(ctx, func() {
		out.Close()
	})
	defer stop()

	data, err := io.ReadAll(io.LimitReader(out, maxResponseSize))
	if err != nil {
		replies <- reply{err: errors.Wrapf(attacherr.ErrIO, "reading response: %v", err)}
		return
	}
	replies <- reply{data: data}
}

// classify maps the errors of the attach mechanism into the error taxonomy.
func (a *Attacher) classify(t nsview.Target, err error) error {
	if !a.alive(t) {
		return errors.Wrapf(attacherr.ErrProcessExited, "pid %d: %v", t.PID, err)
	}
	msg := err.Error()
	switch {
	case attacherr.ResultFromError(err) != attacherr.IOError:
		return err
	case strings.Contains(msg, "process not found"):
		return errors.Wrap(attacherr.ErrProcessNotFound, msg)
	case strings.Contains(msg, "could not start the attach mechanism"):
		return errors.Wrap(attacherr.ErrTimeout, msg)
	case strings.Contains(msg, "failed to change credentials"):
		// the target can't be attached as its owner
		return fmt.Errorf("%w: %w: %s", attacherr.ErrInjectionRejected, attacherr.ErrPermissionDenied, msg)
	case errors.Is(err, attacherr.ErrIO):
		return err
	default:
		return errors.Wrap(attacherr.ErrIO, msg)
	}
}
