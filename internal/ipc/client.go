package ipc

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gilbus/promptd/pkg/protocol"
)

const (
	dialTimeout  = 500 * time.Millisecond
	queryTimeout = 5 * time.Second

	// spawnWait bounds how long Activate polls for a freshly spawned
	// daemon to bind its socket.
	spawnWait = 3 * time.Second
	spawnPoll = 50 * time.Millisecond
)

// Query sends one environment snapshot (in os.Environ form) to the daemon at
// sockPath and returns the shell source it replies with.
func Query(sockPath string, environ []string) ([]byte, error) {
	conn, err := net.DialTimeout("unix", sockPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sockPath, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(queryTimeout))
	if _, err := conn.Write(protocol.EncodeEnviron(environ)); err != nil {
		return nil, fmt.Errorf("send snapshot: %w", err)
	}
	// Half-close marks the end of the request; the reply is framed by EOF.
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, fmt.Errorf("half-close: %w", err)
		}
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}

// Activate is Query plus daemon autostart: when nothing listens on sockPath
// it spawns a detached daemon and retries until one answers or spawnWait
// runs out. spawn=false turns the missing daemon into an error instead.
func Activate(sockPath, configPath string, environ []string, spawn bool) ([]byte, error) {
	reply, err := Query(sockPath, environ)
	if err == nil {
		return reply, nil
	}
	if !spawn {
		return nil, err
	}

	if err := SpawnDaemon(sockPath, configPath); err != nil {
		return nil, fmt.Errorf("spawn daemon: %w", err)
	}
	deadline := time.Now().Add(spawnWait)
	for {
		reply, err = Query(sockPath, environ)
		if err == nil {
			return reply, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("spawned daemon did not answer: %w", err)
		}
		time.Sleep(spawnPoll)
	}
}
