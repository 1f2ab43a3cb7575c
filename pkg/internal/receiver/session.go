// Package receiver implements the short-lived server that pulls the symbol map and the
// log of an attached JVM into the local mirror files.
package receiver

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
	"github.com/grafana/jvmsyms/pkg/internal/nsview"
)

// StringBufferSize bounds the size of a single record, including its line terminator.
const StringBufferSize = 2000

const handshakeMagic = "jvmsyms"

type Channel string

const (
	MapChannel Channel = "map"
	LogChannel Channel = "log"
)

// LineObserver is invoked with every record received through the log channel, in
// order. The slice is only valid during the invocation.
type LineObserver func(record []byte)

type channel struct {
	name    Channel
	src     Source
	sink    io.WriteCloser
	written atomic.Int64
}

// Session ties one attach attempt to its transport state. It accepts exactly one
// stream per channel and copies it verbatim into the channel's sink. Sources and sinks
// are owned by the session and closed when Run returns.
type Session struct {
	log    *slog.Logger
	target nsview.Target
	opts   nsview.Options

	mapCh, logCh *channel
	observer     LineObserver
	outcome      *Outcome

	confirmOnce sync.Once
	confirmed   chan struct{}

	stopOnce    sync.Once
	stop        chan struct{}
	abortResult attacherr.Result

	closeOnce sync.Once
}

func NewSession(
	target nsview.Target, opts nsview.Options,
	mapSource, logSource Source,
	mapSink, logSink io.WriteCloser,
) *Session {
	return &Session{
		log:       slog.With("component", "receiver.Session", "pid", target.PID),
		target:    target,
		opts:      opts,
		mapCh:     &channel{name: MapChannel, src: mapSource, sink: mapSink},
		logCh:     &channel{name: LogChannel, src: logSource, sink: logSink},
		outcome:   newOutcome(),
		confirmed: make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

// OnLogRecord registers the observer of the log channel. It must be invoked before Run.
func (s *Session) OnLogRecord(observer LineObserver) {
	s.observer = observer
}

func (s *Session) Options() nsview.Options {
	return s.opts
}

func (s *Session) Outcome() *Outcome {
	return s.outcome
}

// Transferred returns the bytes written so far into the map and log sinks.
func (s *Session) Transferred() (mapBytes, logBytes int64) {
	return s.mapCh.written.Load(), s.logCh.written.Load()
}

// Confirm signals that the target accepted the dump command, so the data transfer
// can begin for the sources that wait for it, and the session can succeed.
func (s *Session) Confirm() {
	s.confirmOnce.Do(func() {
		close(s.confirmed)
		for _, ch := range []*channel{s.mapCh, s.logCh} {
			if c, ok := ch.src.(Confirmer); ok {
				c.Confirm()
			}
		}
	})
}

// Abort cancels the session, releasing its sockets and files immediately, and records
// the result that Run will report. Only the first invocation has effect.
func (s *Session) Abort(result attacherr.Result) {
	s.stopOnce.Do(func() {
		s.abortResult = result
		close(s.stop)
	})
	s.closeSources()
}

// Run services both channels until they reach a terminal state, then writes the
// session Outcome. It must be invoked only once.
func (s *Session) Run(ctx context.Context) attacherr.Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range []*channel{s.mapCh, s.logCh} {
		g.Go(func() error {
			return s.serve(gctx, ch)
		})
	}
	err := g.Wait()
	if err == nil {
		err = s.awaitConfirmation(ctx)
	}
	result, err := s.conclude(err)
	s.closeAll()

	mapBytes, logBytes := s.Transferred()
	if result == attacherr.Success {
		s.log.Debug("session finished", "mapBytes", mapBytes, "logBytes", logBytes)
	} else {
		s.log.Debug("session failed", "result", result, "error", err,
			"mapBytes", mapBytes, "logBytes", logBytes)
	}
	s.outcome.set(result, err)
	return result
}

func (s *Session) awaitConfirmation(ctx context.Context) error {
	select {
	case <-s.confirmed:
		return nil
	case <-s.stop:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for attach confirmation")
	}
}

func (s *Session) conclude(err error) (attacherr.Result, error) {
	select {
	case <-s.stop:
		result := s.abortResult
		if result == attacherr.Success || result == attacherr.Unknown {
			result = attacherr.IOError
		}
		return result, errors.Wrap(result.Err(), "session aborted")
	default:
	}
	switch {
	case err == nil:
		return attacherr.Success, nil
	case errors.Is(err, context.DeadlineExceeded):
		return attacherr.Timeout, errors.Wrap(attacherr.ErrTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return attacherr.IOError, errors.Wrap(attacherr.ErrIO, err.Error())
	default:
		return attacherr.ResultFromError(err), err
	}
}

func (s *Session) serve(ctx context.Context, ch *channel) error {
	stream, err := ch.src.Accept(ctx)
	if err != nil {
		return errors.Wrapf(err, "%s channel", ch.name)
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() {
		stream.Close()
	})
	defer stop()

	r := bufio.NewReaderSize(stream, StringBufferSize)
	if ch.src.Handshake() {
		if err := s.handshake(r, ch.name); err != nil {
			return err
		}
	}
	for {
		record, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return errors.Wrapf(attacherr.ErrIO, "%s channel: record exceeds %d bytes", ch.name, StringBufferSize)
		}
		if len(record) > 0 {
			n, werr := ch.sink.Write(record)
			ch.written.Add(int64(n))
			if werr != nil {
				return errors.Wrapf(attacherr.ErrIO, "%s channel: writing sink: %v", ch.name, werr)
			}
			if ch.name == LogChannel && s.observer != nil {
				s.observer(record)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return errors.Wrapf(attacherr.ErrIO, "%s channel: reading: %v", ch.name, err)
		}
	}
}

// handshake validates the first line of a stream: "jvmsyms <channel> <nspid>".
func (s *Session) handshake(r *bufio.Reader, name Channel) error {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return errors.Wrapf(attacherr.ErrIO, "%s channel: reading handshake: %v", name, err)
	}
	fields := strings.Fields(string(line))
	if len(fields) != 3 || fields[0] != handshakeMagic ||
		fields[1] != string(name) || fields[2] != strconv.Itoa(s.target.NSPid) {
		return errors.Wrapf(attacherr.ErrIO, "%s channel: malformed handshake %q", name, strings.TrimSpace(string(line)))
	}
	return nil
}

func (s *Session) closeSources() {
	for _, ch := range []*channel{s.mapCh, s.logCh} {
		if err := ch.src.Close(); err != nil {
			s.log.Debug("closing source", "channel", ch.name, "error", err)
		}
	}
}

func (s *Session) closeAll() {
	s.closeOnce.Do(func() {
		s.closeSources()
		for _, ch := range []*channel{s.mapCh, s.logCh} {
			if err := ch.sink.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				s.log.Debug("closing sink", "channel", ch.name, "error", err)
			}
		}
	})
}
