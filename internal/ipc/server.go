// Package ipc carries prompt requests between shells and the promptd daemon
// over a Unix domain socket. One connection is one request: the client sends
// its environment snapshot and half-closes, the server replies with shell
// source and closes.
package ipc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gilbus/promptd/pkg/protocol"
)

// Renderer produces the response for one snapshot. Render runs under the
// server's per-request budget and should honor ctx; Fallback must be cheap
// and infallible, it covers failed and timed-out renders.
type Renderer interface {
	Render(ctx context.Context, env protocol.Environ) (*protocol.Response, error)
	Fallback() *protocol.Response
}

// BindError reports a socket address that cannot be bound, either because a
// live daemon already listens there or because the bind itself failed.
type BindError struct {
	Path string
	Err  error
}

func (e *BindError) Error() string { return "bind " + e.Path + ": " + e.Err.Error() }
func (e *BindError) Unwrap() error { return e.Err }

// CleanupError reports a dead socket file that could not be removed before
// binding.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return "remove stale socket " + e.Path + ": " + e.Err.Error()
}
func (e *CleanupError) Unwrap() error { return e.Err }

// probeTimeout bounds the connect probe that distinguishes a live daemon
// from a socket file left behind by a crashed one.
const probeTimeout = 250 * time.Millisecond

// Options tunes the server. Zero values fall back to the defaults.
type Options struct {
	// MaxConcurrent caps in-flight handlers; the accept loop blocks at the
	// cap and lets the listen backlog absorb bursts.
	MaxConcurrent int64
	// RenderTimeout is the budget for one render, fallback after.
	RenderTimeout time.Duration
	// ReadTimeout and WriteTimeout bound one request's socket I/O.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxRequestBytes caps the snapshot size read from one connection.
	MaxRequestBytes int64
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 64
	}
	if o.RenderTimeout <= 0 {
		o.RenderTimeout = 2 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.MaxRequestBytes <= 0 {
		o.MaxRequestBytes = 8 << 20
	}
	return o
}

// Server answers prompt requests on a Unix domain socket. It has no
// authentication layer: the filesystem permissions on the socket path are
// the trust boundary, so the daemon binds it under a restrictive umask.
type Server struct {
	listener net.Listener
	sockPath string
	renderer Renderer
	opts     Options

	baseCtx context.Context
	cancel  context.CancelFunc
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer binds sockPath and returns a server ready to Serve. A socket
// file with a live listener yields a BindError; a dead one is removed first,
// and a CleanupError if that removal fails.
func NewServer(sockPath string, renderer Renderer, opts Options) (*Server, error) {
	if _, err := os.Stat(sockPath); err == nil {
		probe, perr := net.DialTimeout("unix", sockPath, probeTimeout)
		switch {
		case perr == nil:
			probe.Close()
			return nil, &BindError{Path: sockPath, Err: errors.New("daemon already listening")}
		case errors.Is(perr, syscall.ECONNREFUSED), errors.Is(perr, os.ErrNotExist):
			// Nothing is accepting there. Anything other than a refused
			// connection could still be a live daemon, so only this case
			// may unlink.
			if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
				return nil, &CleanupError{Path: sockPath, Err: err}
			}
			slog.Info("removed stale socket", "path", sockPath)
		default:
			return nil, &BindError{Path: sockPath, Err: perr}
		}
	}

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, &BindError{Path: sockPath, Err: err}
	}

	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listener: listener,
		sockPath: sockPath,
		renderer: renderer,
		opts:     opts,
		baseCtx:  ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound socket path.
func (s *Server) Addr() string { return s.sockPath }

// Serve accepts connections until the listener closes, dispatching each to
// its own handler goroutine. A stuck handler never delays accepting; only
// the admission cap does.
func (s *Server) Serve() error {
	for {
		if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
			return nil
		}
		conn, err := s.listener.Accept()
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient accept failures (fd exhaustion) must not kill
			// the daemon.
			slog.Warn("accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handleConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// handleConn serves one request: read the snapshot to EOF, decode, render
// under budget, write the reply. Decode failures still get a response built
// from an empty snapshot; a shell must never source an empty reply.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	data, err := io.ReadAll(io.LimitReader(conn, s.opts.MaxRequestBytes))
	if err != nil {
		slog.Warn("request read failed", "error", err)
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("malformed request", "error", err)
		env = protocol.Environ{}
	}
	slog.Debug("request", "bytes", len(data), "vars", len(env))

	resp := s.render(env)

	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if _, err := conn.Write(resp.Encode()); err != nil {
		slog.Warn("response write failed", "error", err)
	}
}

// render invokes the renderer with the per-request budget and falls back
// when it errors or misses the deadline. The late result of an abandoned
// render is discarded via the buffered channel.
func (s *Server) render(env protocol.Environ) *protocol.Response {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.opts.RenderTimeout)
	defer cancel()

	type result struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.renderer.Render(ctx, env)
		done <- result{resp, err}
	}()

	select {
	case res := <-done:
		if res.err != nil || res.resp == nil {
			slog.Warn("render failed", "error", res.err)
			return s.renderer.Fallback()
		}
		return res.resp
	case <-ctx.Done():
		slog.Warn("render abandoned", "budget", s.opts.RenderTimeout)
		return s.renderer.Fallback()
	}
}

// Shutdown stops accepting, waits for in-flight handlers until ctx expires,
// then force-closes the stragglers. The socket file is removed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("drain deadline exceeded, closing connections")
		s.cancel()
		s.closeConns()
		<-done
	}
	s.cancel()
	os.Remove(s.sockPath)
	return nil
}

// Close tears the server down without draining.
func (s *Server) Close() error {
	s.listener.Close()
	s.cancel()
	s.closeConns()
	s.wg.Wait()
	os.Remove(s.sockPath)
	return nil
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}
