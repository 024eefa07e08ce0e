package ipc

import (
	"fmt"
	"os"
	"syscall"

	"github.com/gilbus/promptd"
)

// SpawnDaemon starts a detached daemon bound to sockPath. The child runs in
// its own session with stdout and stderr appended to the promptd log file,
// so it survives the spawning shell.
func SpawnDaemon(sockPath, configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	logFile, err := os.OpenFile(promptd.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	args := []string{exe, "-socket", sockPath}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}

	proc, err := os.StartProcess(exe, args, &os.ProcAttr{
		Dir:   "/",
		Env:   os.Environ(),
		Files: []*os.File{nil, logFile, logFile},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return fmt.Errorf("start %s: %w", exe, err)
	}
	// The daemon is on its own; don't hold a handle to it.
	return proc.Release()
}
