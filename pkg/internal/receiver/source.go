package receiver

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/grafana/jvmsyms/pkg/internal/attacherr"
)

// Source provides the single inbound stream of a channel.
type Source interface {
	// Accept blocks until the stream is available. It can be invoked only once.
	Accept(ctx context.Context) (io.ReadCloser, error)
	// Handshake reports whether the stream starts with a handshake line.
	Handshake() bool
	// Close releases the source. It can be invoked many times.
	Close() error
}

// Confirmer is implemented by sources that must not be read before the attach
// operation confirms that the target accepted the dump command.
type Confirmer interface {
	Confirm()
}

// Guard is invoked before the filesystem operations of a source. The operation runs
// until the returned function is invoked.
type Guard func() (release func())

func noGuard() func() { return func() {} }

type sourceOptions struct {
	guard Guard
}

type SourceOption func(*sourceOptions)

// WithGuard wraps the filesystem operations of the source, e.g. to keep them from
// running while the process credentials are switched.
func WithGuard(g Guard) SourceOption {
	return func(o *sourceOptions) {
		o.guard = g
	}
}

func buildOptions(opts []SourceOption) sourceOptions {
	o := sourceOptions{guard: noGuard}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SocketSource listens on a unix socket for the connection of the injected agent.
type SocketSource struct {
	log     *slog.Logger
	path    string
	timeout time.Duration
	guard   Guard

	ln        *net.UnixListener
	closeOnce sync.Once
	closeErr  error
}

// Listen binds a unix socket at the physical path. Stale sockets from previous
// sessions are replaced. A non-positive connectTimeout waits until the context of
// Accept is done.
func Listen(path string, connectTimeout time.Duration, opts ...SourceOption) (*SocketSource, error) {
	o := buildOptions(opts)
	release := o.guard()
	defer release()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(attacherr.ErrIO, "removing stale socket %s: %v", path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(attacherr.ErrIO, "listening on %s: %v", path, err)
	}
	// the socket file is removed by Close
	ln.SetUnlinkOnClose(false)
	// the JVM may run as any user
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		os.Remove(path)
		return nil, errors.Wrapf(attacherr.ErrIO, "chmod %s: %v", path, err)
	}
	return &SocketSource{
		log:     slog.With("component", "receiver.SocketSource", "path", path),
		path:    path,
		timeout: connectTimeout,
		guard:   o.guard,
		ln:      ln,
	}, nil
}

func (s *SocketSource) Path() string {
	return s.path
}

func (s *SocketSource) Handshake() bool {
	return true
}

// Accept the first inbound connection. The listener is closed afterwards so no other
// stream can join the channel. The socket file is only removed by Close, as accepting
// happens while the target runs the dump command, and the guard may be unavailable.
func (s *SocketSource) Accept(ctx context.Context) (io.ReadCloser, error) {
	if s.timeout > 0 {
		if err := s.ln.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			return nil, errors.Wrapf(attacherr.ErrIO, "setting accept deadline: %v", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.ln.SetDeadline(time.Unix(1, 0))
	})
	conn, err := s.ln.AcceptUnix()
	stop()
	if cerr := s.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		s.log.Debug("closing listener", "error", cerr)
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, errors.Wrapf(attacherr.ErrTimeout, "nobody connected to %s in %s", s.path, s.timeout)
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, errors.Wrapf(attacherr.ErrIO, "listener %s closed", s.path)
		}
		return nil, errors.Wrapf(attacherr.ErrIO, "accepting on %s: %v", s.path, err)
	}
	s.log.Debug("accepted connection")
	return conn, nil
}

func (s *SocketSource) Close() error {
	s.closeOnce.Do(func() {
		if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
		release := s.guard()
		defer release()
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("can't remove socket", "error", err)
		}
	})
	return s.closeErr
}

// FileSource reads a file that the target writes in its own namespace. The file is
// opened only after Confirm.
type FileSource struct {
	path     string
	optional bool
	guard    Guard

	confirmOnce sync.Once
	confirmed   chan struct{}
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewFileSource for a physical path. A missing optional file is read as an empty
// stream.
func NewFileSource(path string, optional bool, opts ...SourceOption) *FileSource {
	return &FileSource{
		path:      path,
		optional:  optional,
		guard:     buildOptions(opts).guard,
		confirmed: make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (f *FileSource) Handshake() bool {
	return false
}

func (f *FileSource) Confirm() {
	f.confirmOnce.Do(func() { close(f.confirmed) })
}

func (f *FileSource) Accept(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-f.confirmed:
	case <-f.closed:
		return nil, errors.Wrapf(attacherr.ErrIO, "source %s closed before confirmation", f.path)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := f.guard()
	file, err := os.Open(f.path)
	release()
	if err != nil {
		if f.optional && errors.Is(err, fs.ErrNotExist) {
			return io.NopCloser(strings.NewReader("")), nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(attacherr.ErrIO, "target did not write %s", f.path)
		}
		return nil, errors.Wrapf(attacherr.ErrIO, "opening %s: %v", f.path, err)
	}
	return file, nil
}

func (f *FileSource) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}
