package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/grafana/pyroscope-go/godeltaprof/http/pprof"

	"github.com/grafana/jvmsyms/pkg/jvmsyms"
)

func main() {
	lvl := slog.LevelVar{}
	lvl.Set(slog.LevelInfo)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: &lvl,
	})))

	configPath := flag.String("config", "", "path to the configuration file")
	pid := flag.Int("pid", 0, "host pid of the JVM to attach to")
	all := flag.Bool("all", false, "attach to all the JVMs that are visible from this PID namespace")
	force := flag.Bool("force", false, "attach even if the local symbol map is fresh")
	probe := flag.Bool("probe", false, "only check that the JVM attach mechanism works")
	list := flag.Bool("list", false, "list the visible JVMs and exit")
	interval := flag.Duration("interval", 0, "if set, keep attaching with the given interval until interrupted. With -all, new JVMs are attached as they start")
	flag.Parse()

	config := loadConfig(configPath)
	level, err := config.SlogLevel()
	if err != nil {
		slog.Error("unknown log level specified, choices are [DEBUG, INFO, WARN, ERROR]", "error", err)
		os.Exit(-1)
	}
	lvl.Set(level)

	if config.ProfilePort != 0 {
		go func() {
			slog.Info("starting PProf HTTP listener", "port", config.ProfilePort)
			err := http.ListenAndServe(fmt.Sprintf(":%d", config.ProfilePort), nil)
			slog.Error("PProf HTTP listener stopped working", "error", err)
		}()
	}

	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	if *list {
		if err := listJVMs(ctx, os.Stdout); err != nil {
			slog.Error("can't list JVMs", "error", err)
			os.Exit(-1)
		}
		return
	}
	if *pid == 0 && !*all {
		slog.Error("either -pid or -all must be specified")
		flag.Usage()
		os.Exit(-1)
	}
	if err := config.Validate(); err != nil {
		slog.Error("wrong configuration", "error", err)
		os.Exit(-1)
	}
	pipeline, err := jvmsyms.New(config)
	if err != nil {
		slog.Error("can't start", "error", err)
		os.Exit(-1)
	}

	if *probe {
		version, err := pipeline.Probe(ctx, *pid)
		if err != nil {
			slog.Error("probe failed", "pid", *pid, "error", err)
			os.Exit(1)
		}
		fmt.Println(version)
		return
	}

	if err := pipeline.Start(ctx); err != nil {
		slog.Error("can't start internal metrics", "error", err)
		os.Exit(-1)
	}
	if *all && *interval > 0 {
		watch(ctx, pipeline, *interval)
		return
	}
	failed := attachAll(ctx, pipeline, *pid, *all, *force)
	if *interval <= 0 {
		if failed {
			os.Exit(1)
		}
		return
	}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// the staleness check decides whether the JVM needs a new attach
			attachAll(ctx, pipeline, *pid, false, false)
		}
	}
}

// watch attaches to every JVM as soon as it is discovered, and removes the local files
// of the JVMs that exit.
func watch(ctx context.Context, pipeline *jvmsyms.Pipeline, interval time.Duration) {
	events := make(chan []jvmsyms.WatchEvent, 1)
	go jvmsyms.NewWatcher(interval).Run(ctx, events)
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-events:
			for _, ev := range batch {
				switch ev.Type {
				case jvmsyms.EventDeleted:
					if err := pipeline.Forget(ev.JVM.PID); err != nil {
						slog.Debug("can't forget JVM", "pid", ev.JVM.PID, "error", err)
					}
				case jvmsyms.EventCreated:
					report, err := pipeline.Attach(ctx, ev.JVM.PID, false)
					if err != nil {
						slog.Warn("attach failed", "pid", ev.JVM.PID, "result", report.Result, "error", err)
						continue
					}
					slog.Info("attach finished", "report", report)
				}
			}
		}
	}
}

// attachAll attaches to the given pid, or to every visible JVM, and returns true if any
// of the attaches failed.
func attachAll(ctx context.Context, pipeline *jvmsyms.Pipeline, pid int, all, force bool) bool {
	pids := []int{pid}
	if all {
		jvms, err := jvmsyms.FindJVMs(ctx)
		if err != nil {
			slog.Error("can't list JVMs", "error", err)
			return true
		}
		pids = pids[:0]
		for _, j := range jvms {
			pids = append(pids, j.PID)
		}
	}
	failed := false
	for _, p := range pids {
		report, err := pipeline.Attach(ctx, p, force)
		if err != nil && report.Result != jvmsyms.Busy {
			failed = true
			slog.Warn("attach failed", "pid", p, "result", report.Result, "error", err)
			continue
		}
		slog.Info("attach finished", "report", report)
		if !all {
			fmt.Println(report.MapFile)
		}
	}
	return failed
}

func listJVMs(ctx context.Context, out io.Writer) error {
	jvms, err := jvmsyms.FindJVMs(ctx)
	if err != nil {
		return err
	}
	for _, j := range jvms {
		fmt.Fprintf(out, "%d\t%s\t%s\n", j.PID, time.UnixMilli(j.CreateTime).Format(time.RFC3339), j.Cmdline)
	}
	return nil
}

func loadConfig(configPath *string) *jvmsyms.Config {
	var configReader io.ReadCloser
	if configPath != nil && *configPath != "" {
		var err error
		if configReader, err = os.Open(*configPath); err != nil {
			slog.Error("can't open "+*configPath, "error", err)
			os.Exit(-1)
		}
		defer configReader.Close()
	}
	config, err := jvmsyms.LoadConfig(configReader)
	if err != nil {
		slog.Error("wrong configuration", "error", err)
		os.Exit(-1)
	}
	return config
}
