package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/gilbus/promptd/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scaled stretches test timeouts on slow machines via PROMPTD_TEST_TIME_SCALE.
func scaled(d time.Duration) time.Duration {
	if s := os.Getenv("PROMPTD_TEST_TIME_SCALE"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			return time.Duration(float64(d) * f)
		}
	}
	return d
}

var sockSeq atomic.Int64

// testSocket returns a fresh socket path in the system temp dir. t.TempDir
// paths can blow the sun_path length limit, so they are no good here.
func testSocket(t *testing.T) string {
	t.Helper()
	path := filepath.Join(os.TempDir(), fmt.Sprintf("promptd-test-%d-%d.sock", os.Getpid(), sockSeq.Add(1)))
	t.Cleanup(func() { os.Remove(path) })
	return path
}

// stubRenderer answers with a fixed topline and echoes LAST_CMD back, after
// an optional delay that respects ctx.
type stubRenderer struct {
	delay time.Duration
}

func (r *stubRenderer) Render(ctx context.Context, env protocol.Environ) (*protocol.Response, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &protocol.Response{
		Topline: "ready",
		Exports: []protocol.Assignment{
			{Name: "PROMPT", Value: "> "},
			{Name: "LAST_CMD", Value: env["LAST_CMD"]},
		},
	}, nil
}

func (r *stubRenderer) Fallback() *protocol.Response {
	return &protocol.Response{
		Exports: []protocol.Assignment{{Name: "PROMPT", Value: "! "}},
	}
}

func startServer(t *testing.T, r Renderer, opts Options) *Server {
	t.Helper()
	srv, err := NewServer(testSocket(t), r, opts)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})
	return srv
}

func TestServerRoundTrip(t *testing.T) {
	srv := startServer(t, &stubRenderer{}, Options{})

	reply, err := Query(srv.Addr(), []string{"LAST_CMD=make", "PWD=/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	got := string(reply)
	if !strings.HasPrefix(got, "printf ") {
		t.Errorf("reply does not start with the topline command: %q", got)
	}
	if !strings.Contains(got, "export PROMPT='> ';") {
		t.Errorf("reply missing PROMPT export: %q", got)
	}
	if !strings.Contains(got, "export LAST_CMD=make;") {
		t.Errorf("reply missing echoed LAST_CMD: %q", got)
	}
}

func TestServerEmptyRequest(t *testing.T) {
	srv := startServer(t, &stubRenderer{}, Options{})

	reply, err := Query(srv.Addr(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply) == 0 {
		t.Fatal("empty reply for empty request")
	}
	if !strings.Contains(string(reply), "export PROMPT=") {
		t.Errorf("reply not a usable prompt script: %q", reply)
	}
}

func TestServerMalformedRequest(t *testing.T) {
	srv := startServer(t, &stubRenderer{}, Options{})

	conn, err := net.Dial("unix", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("NOEQUALSHERE\x00")); err != nil {
		t.Fatal(err)
	}
	if err := conn.(*net.UnixConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 4096)
	n, _ := conn.Read(reply)
	got := string(reply[:n])
	if !strings.Contains(got, "export PROMPT=") {
		t.Errorf("malformed request got no usable reply: %q", got)
	}
	if strings.Contains(got, "NOEQUALSHERE") {
		t.Errorf("malformed record leaked into the reply: %q", got)
	}
}

func TestServerConcurrentIsolation(t *testing.T) {
	srv := startServer(t, &stubRenderer{}, Options{})

	const clients = 16
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sentinel := fmt.Sprintf("sentinel-%d", i)
			reply, err := Query(srv.Addr(), []string{"LAST_CMD=" + sentinel})
			if err != nil {
				errs <- err
				return
			}
			got := string(reply)
			if !strings.Contains(got, "export LAST_CMD="+sentinel+";") {
				errs <- fmt.Errorf("client %d: own sentinel missing: %q", i, got)
				return
			}
			if strings.Count(got, "sentinel-") != 1 {
				errs <- fmt.Errorf("client %d: foreign sentinel leaked: %q", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServerSlowRenderFallsBack(t *testing.T) {
	srv := startServer(t, &stubRenderer{delay: scaled(5 * time.Second)}, Options{
		RenderTimeout: scaled(100 * time.Millisecond),
	})

	start := time.Now()
	reply, err := Query(srv.Addr(), []string{"LAST_CMD=slow"})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > scaled(2*time.Second) {
		t.Errorf("reply took %v, want a bounded fallback", elapsed)
	}
	got := string(reply)
	if !strings.Contains(got, "export PROMPT='! ';") {
		t.Errorf("expected fallback prompt, got %q", got)
	}
	if strings.Contains(got, "LAST_CMD=slow") {
		t.Errorf("abandoned render leaked into the reply: %q", got)
	}
}

func TestServerSlowRequestDoesNotBlockOthers(t *testing.T) {
	srv := startServer(t, &stubRenderer{}, Options{})

	// Park one connection in its read phase; it sends nothing yet.
	parked, err := net.Dial("unix", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer parked.Close()

	done := make(chan error, 1)
	go func() {
		_, err := Query(srv.Addr(), []string{"LAST_CMD=fast"})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(scaled(2 * time.Second)):
		t.Fatal("fast request starved by an idle connection")
	}
}

func TestStaleSocketRemovedAndRebound(t *testing.T) {
	path := testSocket(t)

	// Leave a socket file behind with nothing listening on it.
	stale, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stale socket file missing: %v", err)
	}

	srv, err := NewServer(path, &stubRenderer{}, Options{})
	if err != nil {
		t.Fatalf("expected stale socket takeover, got %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve()
	}()
	defer func() {
		srv.Close()
		<-done
	}()

	if _, err := Query(path, []string{"LAST_CMD=x"}); err != nil {
		t.Errorf("query after takeover: %v", err)
	}
}

func TestLiveSocketYieldsBindError(t *testing.T) {
	srv := startServer(t, &stubRenderer{}, Options{})

	_, err := NewServer(srv.Addr(), &stubRenderer{}, Options{})
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected BindError for a live socket, got %v", err)
	}
	if bindErr.Path != srv.Addr() {
		t.Errorf("BindError.Path = %q, want %q", bindErr.Path, srv.Addr())
	}

	// The first daemon must be untouched.
	if _, err := Query(srv.Addr(), []string{"LAST_CMD=still-here"}); err != nil {
		t.Errorf("first daemon broken by second bind attempt: %v", err)
	}
}

func TestUnremovableStaleSocketYieldsCleanupError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not bind root")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "p.sock")
	stale, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()

	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	_, err = NewServer(path, &stubRenderer{}, Options{})
	var cleanupErr *CleanupError
	if !errors.As(err, &cleanupErr) {
		t.Fatalf("expected CleanupError, got %v", err)
	}
}

func TestShutdownDrainsInFlight(t *testing.T) {
	srv := startServer(t, &stubRenderer{delay: scaled(200 * time.Millisecond)}, Options{})

	replyCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := Query(srv.Addr(), []string{"LAST_CMD=draining"})
		if err != nil {
			errCh <- err
			return
		}
		replyCh <- reply
	}()

	// Let the request reach the renderer before shutting down.
	time.Sleep(scaled(50 * time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), scaled(5*time.Second))
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("drained request failed: %v", err)
	case reply := <-replyCh:
		if !strings.Contains(string(reply), "export LAST_CMD=draining;") {
			t.Errorf("drained request got %q, want its full response", reply)
		}
	case <-time.After(scaled(2 * time.Second)):
		t.Fatal("drained request never completed")
	}

	if _, err := os.Stat(srv.Addr()); !os.IsNotExist(err) {
		t.Errorf("socket file still present after shutdown: %v", err)
	}
}

func TestShutdownForceClosesAfterDeadline(t *testing.T) {
	srv := startServer(t, &stubRenderer{delay: scaled(30 * time.Second)}, Options{
		RenderTimeout: scaled(20 * time.Second),
	})

	go func() {
		// This request cannot finish inside the drain window; its reply,
		// fallback or cut short, does not matter here.
		Query(srv.Addr(), []string{"LAST_CMD=straggler"})
	}()
	time.Sleep(scaled(50 * time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), scaled(100*time.Millisecond))
	defer cancel()

	start := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > scaled(3*time.Second) {
		t.Errorf("forced shutdown took %v", elapsed)
	}
}
