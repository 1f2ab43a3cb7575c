package jvmsyms

import (
	"context"
	"log/slog"
	"time"
)

const defaultPollInterval = 5 * time.Second

type WatchEventType int

const (
	EventCreated = WatchEventType(iota)
	EventDeleted
)

type WatchEvent struct {
	Type WatchEventType
	JVM  JVMProcess
}

// Watcher polls the running JVMs and notifies the ones that started or exited since the
// previous poll. A pid that is reused by another JVM is notified as a deletion followed
// by a creation.
type Watcher struct {
	PollInterval time.Duration

	// injectable function
	listJVMs func(ctx context.Context) ([]JVMProcess, error)
}

func NewWatcher(pollInterval time.Duration) *Watcher {
	return &Watcher{PollInterval: pollInterval, listJVMs: FindJVMs}
}

type jvmKey struct {
	pid        int
	createTime int64
}

// Run sends the watch events to the out channel until the context is done.
func (w *Watcher) Run(ctx context.Context, out chan<- []WatchEvent) {
	interval := w.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}
	log := slog.With("component", "jvmsyms.Watcher", "interval", interval)
	known := map[jvmKey]JVMProcess{}
	for {
		jvms, err := w.listJVMs(ctx)
		if err != nil {
			log.Warn("can't get system processes", "error", err)
		} else if events := snapshot(known, jvms); len(events) > 0 {
			log.Debug("sending events", "len", len(events))
			select {
			case out <- events:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			log.Debug("context canceled. Exiting")
			return
		case <-time.After(interval):
		}
	}
}

// snapshot updates the known JVMs and returns the changes. Deletions go first, so a
// reused pid is forgotten before its new JVM is attached.
func snapshot(known map[jvmKey]JVMProcess, jvms []JVMProcess) []WatchEvent {
	var events []WatchEvent
	current := make(map[jvmKey]JVMProcess, len(jvms))
	for _, j := range jvms {
		current[jvmKey{pid: j.PID, createTime: j.CreateTime}] = j
	}
	for k, j := range known {
		if _, ok := current[k]; !ok {
			events = append(events, WatchEvent{Type: EventDeleted, JVM: j})
			delete(known, k)
		}
	}
	for _, j := range jvms {
		k := jvmKey{pid: j.PID, createTime: j.CreateTime}
		if _, ok := known[k]; !ok {
			events = append(events, WatchEvent{Type: EventCreated, JVM: j})
			known[k] = j
		}
	}
	return events
}
