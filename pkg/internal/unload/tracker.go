package unload

import (
	"bytes"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
)

const (
	DefaultCapacity  = 4096
	DefaultProcesses = 1024
)

// Markers that the agent writes into the log channel.
var (
	unloadPrefix = []byte("unload ")
	syncMarker   = []byte("sync")
)

// Tracker keeps, for each process, a bounded set of its unloaded addresses. Entries are
// recorded unverified and become verified when a synchronization marker from the same
// process confirms them. When the capacity of a process is exceeded, its least recently
// recorded addresses are forgotten. When too many processes are tracked, the least
// recently recorded process is forgotten.
type Tracker struct {
	log      *slog.Logger
	capacity int

	mt    sync.Mutex
	procs *lru.Cache[int, *lru.Cache[uint64, Entry]]
}

func NewTracker(processes, capacity int) *Tracker {
	if processes <= 0 {
		processes = DefaultProcesses
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// it only fails for non-positive sizes
	procs, _ := lru.New[int, *lru.Cache[uint64, Entry]](processes)
	return &Tracker{
		log:      slog.With("component", "unload.Tracker"),
		capacity: capacity,
		procs:    procs,
	}
}

// entries of a process. Must be invoked with the lock held.
func (t *Tracker) entries(pid int, create bool) *lru.Cache[uint64, Entry] {
	if c, ok := t.procs.Get(pid); ok {
		return c
	}
	if !create {
		return nil
	}
	c, _ := lru.New[uint64, Entry](t.capacity)
	t.procs.Add(pid, c)
	return c
}

// RecordUnload validates and stores an unloaded address of a process as unverified.
// Recording an already verified address keeps it verified.
func (t *Tracker) RecordUnload(pid int, addr uint64) (Entry, error) {
	e, err := Record(addr)
	if err != nil {
		return Entry{}, err
	}
	t.mt.Lock()
	defer t.mt.Unlock()
	entries := t.entries(pid, true)
	if prev, ok := entries.Get(addr); ok && prev.Verified {
		return prev, nil
	}
	entries.Add(addr, e)
	return e, nil
}

// Verify marks an entry of a process as corroborated and returns its verified copy.
// Unknown entries are recorded as verified. Entries that don't hold a valid address
// are rejected.
func (t *Tracker) Verify(pid int, e Entry) (Entry, error) {
	addr, ok := e.Address()
	if !ok {
		return Entry{}, errors.Wrapf(attacherr.ErrMalformedAddress, "entry %q", e.Addr[:])
	}
	e.Verified = true
	t.mt.Lock()
	defer t.mt.Unlock()
	t.entries(pid, true).Add(addr, e)
	return e, nil
}

// verify the given addresses of a process, if they are still tracked.
func (t *Tracker) verify(pid int, addrs map[uint64]struct{}) int {
	t.mt.Lock()
	defer t.mt.Unlock()
	entries := t.entries(pid, false)
	if entries == nil {
		return 0
	}
	n := 0
	for addr := range addrs {
		e, ok := entries.Peek(addr)
		if !ok || e.Verified {
			continue
		}
		e.Verified = true
		entries.Add(addr, e)
		n++
	}
	return n
}

// Invalidates reports whether addr has been verified as unloaded by the process.
// Unverified entries are advisory and never invalidate anything.
func (t *Tracker) Invalidates(pid int, addr uint64) bool {
	e, ok := t.Lookup(pid, addr)
	return ok && e.Verified
}

// Lookup returns the entry of an address of a process, if it is tracked.
func (t *Tracker) Lookup(pid int, addr uint64) (Entry, bool) {
	t.mt.Lock()
	defer t.mt.Unlock()
	entries := t.entries(pid, false)
	if entries == nil {
		return Entry{}, false
	}
	return entries.Peek(addr)
}

// Verified returns all the verified entries of a process, from oldest to newest.
func (t *Tracker) Verified(pid int) []Entry {
	t.mt.Lock()
	defer t.mt.Unlock()
	entries := t.entries(pid, false)
	if entries == nil {
		return nil
	}
	var out []Entry
	for _, e := range entries.Values() {
		if e.Verified {
			out = append(out, e)
		}
	}
	return out
}

func (t *Tracker) Len(pid int) int {
	t.mt.Lock()
	defer t.mt.Unlock()
	if entries := t.entries(pid, false); entries != nil {
		return entries.Len()
	}
	return 0
}

// Forget drops every entry of a process, e.g. because it exited or its PID was reused.
func (t *Tracker) Forget(pid int) {
	t.mt.Lock()
	defer t.mt.Unlock()
	t.procs.Remove(pid)
}

// Observer feeds the log records of one attach session into the Tracker. A
// synchronization marker only verifies the addresses that were recorded by the same
// session since the previous marker. It is not safe for concurrent use.
type Observer struct {
	log     *slog.Logger
	tracker *Tracker
	pid     int
	pending map[uint64]struct{}
}

func (t *Tracker) Observer(pid int) *Observer {
	return &Observer{
		log:     t.log.With("pid", pid),
		tracker: t,
		pid:     pid,
		pending: map[uint64]struct{}{},
	}
}

// RecordUnload records an address of the observed process and keeps it pending for
// the next synchronization marker. At most as many addresses as the capacity of the
// Tracker are kept pending: the rest stay unverified.
func (o *Observer) RecordUnload(addr uint64) (Entry, error) {
	e, err := o.tracker.RecordUnload(o.pid, addr)
	if err != nil || e.Verified {
		return e, err
	}
	if _, ok := o.pending[addr]; !ok && len(o.pending) >= o.tracker.capacity {
		o.log.Debug("too many pending unload records. Leaving unverified", "addr", e.String())
		return e, nil
	}
	o.pending[addr] = struct{}{}
	return e, nil
}

// Sync verifies the entries recorded since the previous synchronization marker.
// It returns how many entries were verified.
func (o *Observer) Sync() int {
	n := o.tracker.verify(o.pid, o.pending)
	clear(o.pending)
	return n
}

// Pending returns how many entries are waiting for a synchronization marker.
func (o *Observer) Pending() int {
	return len(o.pending)
}

// Observe consumes one log-channel record and returns how many entries it verified.
// Records other than unload entries and synchronization markers are ignored.
func (o *Observer) Observe(line []byte) int {
	line = bytes.TrimRight(line, "\r\n")
	switch {
	case bytes.HasPrefix(line, unloadPrefix):
		raw := string(bytes.TrimSpace(line[len(unloadPrefix):]))
		addr, err := ParseAddress(raw)
		if err != nil {
			o.log.Debug("ignoring malformed unload record", "record", raw, "error", err)
			return 0
		}
		if _, err := o.RecordUnload(addr); err != nil {
			o.log.Debug("ignoring unload record", "record", raw, "error", err)
		}
	case bytes.Equal(line, syncMarker):
		n := o.Sync()
		if n > 0 {
			o.log.Debug("verified unloaded addresses", "count", n)
		}
		return n
	}
	return 0
}
