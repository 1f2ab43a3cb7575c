// Package jvmsyms provides public access to the attach-and-transfer pipeline that pulls
// the symbol map of a running, possibly containerized, JVM into local files.
package jvmsyms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/grafana/jvmsyms/pkg/connector"
	"github.com/grafana/jvmsyms/pkg/internal/attach"
	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
	"github.com/grafana/jvmsyms/pkg/internal/imetrics"
	"github.com/grafana/jvmsyms/pkg/internal/nsview"
	"github.com/grafana/jvmsyms/pkg/internal/receiver"
	"github.com/grafana/jvmsyms/pkg/internal/tmpfiles"
	"github.com/grafana/jvmsyms/pkg/internal/unload"
)

type Result = attacherr.Result

const (
	Success           = attacherr.Success
	Skipped           = attacherr.Skipped
	Busy              = attacherr.Busy
	Timeout           = attacherr.Timeout
	ProcessExited     = attacherr.ProcessExited
	InjectionRejected = attacherr.InjectionRejected
	IOError           = attacherr.IOError
)

// Report of one attach operation.
type Report struct {
	Target nsview.Target
	Result Result
	// ReplayDone is true when the local files are complete and can be read.
	ReplayDone bool
	// Injected is false when no command was sent to the JVM.
	Injected bool
	MapFile  string
	LogFile  string
	MapBytes int64
	LogBytes int64
	Duration time.Duration
}

func (r *Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("target", r.Target),
		slog.String("result", r.Result.String()),
		slog.Bool("replayDone", r.ReplayDone),
		slog.Bool("injected", r.Injected),
		slog.Int64("mapBytes", r.MapBytes),
		slog.Int64("logBytes", r.LogBytes),
		slog.Duration("duration", r.Duration),
	)
}

// Pipeline runs bounded, one-shot attach operations. It can be safely invoked from
// different goroutines: concurrent operations for the same pid are resolved as Busy.
// Injections switch the effective credentials of the whole process, so the filesystem
// operations of every session hold the host credentials and never overlap with them.
type Pipeline struct {
	log      *slog.Logger
	cfg      *Config
	resolver *nsview.Resolver
	files    *tmpfiles.Manager
	attacher *attach.Attacher
	unloads  *unload.Tracker
	metrics  imetrics.Reporter
	// pid -> start time of the process that was successfully attached
	attached *lru.Cache[int, int64]
}

// New Pipeline, given a Config
func New(cfg *Config) (*Pipeline, error) {
	var metrics imetrics.Reporter = imetrics.NoopReporter{}
	if cfg.InternalMetrics.Enabled() {
		metrics = imetrics.NewPrometheusReporter(&cfg.InternalMetrics.Prometheus, &connector.PrometheusManager{})
	}
	return newPipeline(cfg, attach.NewJVM(), metrics)
}

func newPipeline(cfg *Config, jvm attach.JVM, metrics imetrics.Reporter) (*Pipeline, error) {
	resolver, err := nsview.NewResolver(cfg.ProcRoot)
	if err != nil {
		return nil, err
	}
	attached, err := lru.New[int, int64](max(cfg.TargetCacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("creating target cache: %w", err)
	}
	return &Pipeline{
		log:      slog.With("component", "jvmsyms.Pipeline"),
		cfg:      cfg,
		resolver: resolver,
		files:    tmpfiles.NewManager(resolver, cfg.Layout()),
		attacher: attach.NewAttacher(attach.Config{
			Mode:                      cfg.Mode,
			Timeout:                   cfg.AttachTimeout,
			ExitPollInterval:          cfg.ExitPollInterval,
			EnableDynamicAgentLoading: cfg.EnableDynamicAgentLoading,
		}, jvm, resolver.Alive),
		unloads:  unload.NewTracker(cfg.TargetCacheSize, cfg.UnloadTrackerSize),
		metrics:  metrics,
		attached: attached,
	}, nil
}

// Start the internal metrics reporting, until the context is done.
func (p *Pipeline) Start(ctx context.Context) error {
	return p.metrics.Start(ctx)
}

// Unloads returns the tracker of the code addresses that the attached JVMs unloaded.
func (p *Pipeline) Unloads() *unload.Tracker {
	return p.unloads
}

// Files returns the manager of the local and target temporary files.
func (p *Pipeline) Files() *tmpfiles.Manager {
	return p.files
}

// Probe checks that the attach mechanism of a JVM works, returning its version.
func (p *Pipeline) Probe(ctx context.Context, pid int) (string, error) {
	release := attach.HoldHostCredentials()
	target, err := p.resolver.Resolve(pid)
	release()
	if err != nil {
		return "", err
	}
	return p.attacher.Probe(ctx, target)
}

// Forget removes the local mirror files, the lock file and the unloaded addresses of a
// JVM that exited, so they are never served for a new process that reuses its pid.
// Files that are in use by an attach session are left untouched and Busy is returned.
func (p *Pipeline) Forget(pid int) error {
	p.attached.Remove(pid)
	p.unloads.Forget(pid)
	release := attach.HoldHostCredentials()
	defer release()
	lease, status, err := p.files.Acquire(nsview.Target{PID: pid})
	if err != nil {
		return err
	}
	if status == tmpfiles.Busy {
		return errors.Wrapf(attacherr.ErrBusy, "pid %d", pid)
	}
	defer func() {
		if err := lease.Release(); err != nil {
			p.log.Warn("releasing lease", "pid", pid, "error", err)
		}
	}()
	p.files.RemoveLocalFiles(pid)
	if err := lease.Remove(); err != nil {
		p.log.Debug("can't remove lock file", "pid", pid, "error", err)
	}
	p.log.Debug("removed local files of exited JVM", "pid", pid)
	return nil
}

// Attach pulls the symbol map and the log of the JVM with the given host pid into the
// local mirror files, unless they are fresh enough and force is false. The error
// explains any result other than Success or Skipped.
func (p *Pipeline) Attach(ctx context.Context, pid int, force bool) (*Report, error) {
	start := time.Now()
	report := &Report{
		MapFile: p.files.LocalMapPath(pid),
		LogFile: p.files.LocalLogPath(pid),
	}
	err := p.attach(ctx, pid, force, report)
	if err != nil && report.Result == attacherr.Unknown {
		report.Result = attacherr.ResultFromError(err)
	}
	report.Duration = time.Since(start)
	p.metrics.AttachFinished(report.Result.String(), report.Duration)

	if report.Result == attacherr.Success {
		p.attached.Add(pid, report.Target.StartTime)
	} else if !report.Result.Trusted() {
		p.attached.Remove(pid)
	}
	log := p.log.With("report", report)
	switch {
	case err == nil:
		log.Debug("attach finished")
	case report.Result == attacherr.Busy:
		log.Debug("attach in progress by another session")
	default:
		log.Info("attach failed", "error", err)
	}
	return report, err
}

func (p *Pipeline) attach(ctx context.Context, pid int, force bool, report *Report) error {
	// released before injecting
	release := attach.HoldHostCredentials()
	defer release()
	target, err := p.resolver.Resolve(pid)
	if err != nil {
		return err
	}
	report.Target = target

	if startTime, ok := p.attached.Get(pid); ok && startTime != target.StartTime {
		p.log.Debug("pid has been reused. Forcing attach", "pid", pid)
		p.unloads.Forget(pid)
		force = true
	}
	stale, err := p.files.Stale(target, force)
	if err != nil {
		p.log.Debug("staleness check failed. Attaching", "pid", pid, "error", err)
	} else if !stale {
		report.Result = attacherr.Skipped
		report.ReplayDone = true
		return nil
	}
	if p.cfg.Mode == attach.ModePerfMap && p.cfg.ReuseTargetMap && !force &&
		p.files.TargetSymbolFileAccess(target) {
		return p.copyTargetMap(ctx, target, report, release)
	}

	lease, status, err := p.files.CheckAndClearTargetNS(target, true)
	if err != nil {
		return err
	}
	if status == tmpfiles.Busy {
		report.Result = attacherr.Busy
		return errors.Wrapf(attacherr.ErrBusy, "pid %d", pid)
	}
	defer func() {
		if err := lease.Release(); err != nil {
			p.log.Warn("releasing lease", "pid", pid, "error", err)
		}
	}()
	return p.inject(ctx, target, report, release)
}

// inject the dump command. releaseHost is invoked before the injection.
func (p *Pipeline) inject(ctx context.Context, target nsview.Target, report *Report, releaseHost func()) error {
	layout := p.files.Layout()
	var req attach.Request
	var mapSrc, logSrc receiver.Source
	var err error
	switch p.cfg.Mode {
	case attach.ModeAgent:
		req.Options, err = nsview.OptionsFor(target.NSPid, layout.TargetMapSocket, layout.TargetLogSocket)
		if err != nil {
			return err
		}
		if mapSrc, logSrc, err = p.socketSources(target); err != nil {
			return err
		}
		defer asHost(func() { p.files.ClearTargetNSSo(target) })
		if req.AgentLib, err = p.files.InstallAgent(target, p.cfg.AgentLibrary); err != nil {
			mapSrc.Close()
			logSrc.Close()
			return err
		}
	default:
		req.Options, err = nsview.OptionsFor(target.NSPid, layout.TargetMapFile, layout.TargetLogFile)
		if err != nil {
			return err
		}
		if mapSrc, logSrc, err = p.fileSources(target); err != nil {
			return err
		}
	}
	req.Target = target

	session, err := p.newSession(target, req.Options, mapSrc, logSrc)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, p.cfg.TransferTimeout)
	defer cancel()
	go session.Run(sctx)
	go p.watchExit(sctx, target, session)

	releaseHost()
	report.Injected = true
	result, err := p.attacher.Attach(sctx, req)
	if result == attacherr.Success {
		session.Confirm()
	} else {
		session.Abort(result)
	}
	return p.finish(session, report, err)
}

// copyTargetMap reads the perf map that the JVM already wrote, without any injection.
func (p *Pipeline) copyTargetMap(ctx context.Context, target nsview.Target, report *Report, releaseHost func()) error {
	lease, status, err := p.files.Acquire(target)
	if err != nil {
		return err
	}
	if status == tmpfiles.Busy {
		report.Result = attacherr.Busy
		return errors.Wrapf(attacherr.ErrBusy, "pid %d", target.PID)
	}
	defer func() {
		if err := lease.Release(); err != nil {
			p.log.Warn("releasing lease", "pid", target.PID, "error", err)
		}
	}()
	layout := p.files.Layout()
	opts, err := nsview.OptionsFor(target.NSPid, layout.TargetMapFile, layout.TargetLogFile)
	if err != nil {
		return err
	}
	mapSrc, logSrc, err := p.fileSources(target)
	if err != nil {
		return err
	}
	session, err := p.newSession(target, opts, mapSrc, logSrc)
	if err != nil {
		return err
	}
	releaseHost()
	sctx, cancel := context.WithTimeout(ctx, p.cfg.TransferTimeout)
	defer cancel()
	go session.Run(sctx)
	session.Confirm()
	return p.finish(session, report, nil)
}

func (p *Pipeline) socketSources(target nsview.Target) (receiver.Source, receiver.Source, error) {
	layout := p.files.Layout()
	mapPath, err := p.files.TargetSocketPath(target, layout.TargetMapSocket)
	if err != nil {
		return nil, nil, err
	}
	logPath, err := p.files.TargetSocketPath(target, layout.TargetLogSocket)
	if err != nil {
		return nil, nil, err
	}
	mapSrc, err := receiver.Listen(mapPath, p.cfg.ConnectTimeout, receiver.WithGuard(attach.HoldHostCredentials))
	if err != nil {
		return nil, nil, err
	}
	logSrc, err := receiver.Listen(logPath, p.cfg.ConnectTimeout, receiver.WithGuard(attach.HoldHostCredentials))
	if err != nil {
		mapSrc.Close()
		return nil, nil, err
	}
	return mapSrc, logSrc, nil
}

func (p *Pipeline) fileSources(target nsview.Target) (receiver.Source, receiver.Source, error) {
	layout := p.files.Layout()
	mapPath, err := p.files.TargetPath(target, layout.TargetMapFile)
	if err != nil {
		return nil, nil, err
	}
	logPath, err := p.files.TargetPath(target, layout.TargetLogFile)
	if err != nil {
		return nil, nil, err
	}
	guard := receiver.WithGuard(attach.HoldHostCredentials)
	return receiver.NewFileSource(mapPath, false, guard), receiver.NewFileSource(logPath, true, guard), nil
}

// asHost runs fn while holding the host credentials.
func asHost(fn func()) {
	release := attach.HoldHostCredentials()
	defer release()
	fn()
}

// newSession truncates the local mirror files and opens them as the session sinks.
func (p *Pipeline) newSession(
	target nsview.Target, opts nsview.Options, mapSrc, logSrc receiver.Source,
) (*receiver.Session, error) {
	p.files.ClearLocalPerfFiles(target.PID)
	sinks, err := p.files.OpenLocalSinks(target.PID)
	if err != nil {
		mapSrc.Close()
		logSrc.Close()
		return nil, err
	}
	session := receiver.NewSession(target, opts, mapSrc, logSrc, sinks.Map, sinks.Log)
	unloads := p.unloads.Observer(target.PID)
	session.OnLogRecord(func(record []byte) {
		if n := unloads.Observe(record); n > 0 {
			p.metrics.UnloadsVerified(n)
		}
	})
	return session, nil
}

// watchExit aborts the session as soon as the target process disappears.
func (p *Pipeline) watchExit(ctx context.Context, target nsview.Target, session *receiver.Session) {
	ticker := time.NewTicker(p.cfg.ExitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Outcome().Done():
			return
		case <-ticker.C:
			if !p.resolver.Alive(target) {
				p.log.Debug("target exited. Aborting session", "pid", target.PID)
				session.Abort(attacherr.ProcessExited)
				return
			}
		}
	}
}

// finish waits for the session outcome, which is always written after the session
// resources are released.
func (p *Pipeline) finish(session *receiver.Session, report *Report, attachErr error) error {
	out := session.Outcome()
	<-out.Done()
	report.Result = out.Result()
	report.ReplayDone = out.ReplayDone()
	report.MapBytes, report.LogBytes = session.Transferred()
	p.metrics.BytesReceived(string(receiver.MapChannel), report.MapBytes)
	p.metrics.BytesReceived(string(receiver.LogChannel), report.LogBytes)
	if report.Result == attacherr.Success {
		return nil
	}
	if attachErr != nil {
		return attachErr
	}
	return out.Err()
}
