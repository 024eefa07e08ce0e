// Command promptd renders zsh prompts for many shell sessions from one
// long-lived daemon. A shell about to draw a prompt dumps its exported
// environment (env -0 style) into the daemon's Unix socket and sources the
// reply. -oneshot renders synchronously without a daemon, -query acts as the
// shell client and spawns the daemon when none is running.
//
// Shell setup (~/.zshrc):
//
//	precmd() {
//		eval "$(LAST_EXIT_CODE=$? LAST_CMD=$history[$HISTCMD] COLS=$COLUMNS promptd -query)"
//	}
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/muesli/termenv"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/gilbus/promptd"
	"github.com/gilbus/promptd/internal/dirinfo"
	"github.com/gilbus/promptd/internal/ipc"
	"github.com/gilbus/promptd/internal/prompt"
	"github.com/gilbus/promptd/pkg/protocol"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	socketFlag := flag.String("socket", "", "socket path (default: $PROMPTD_SOCKET or $XDG_RUNTIME_DIR/promptd.sock)")
	configFlag := flag.String("config", "", "config file (default: $XDG_CONFIG_HOME/promptd/config.json)")
	oneshot := flag.Bool("oneshot", false, "render once from this process's environment and exit")
	query := flag.Bool("query", false, "send this process's environment to the daemon and print the reply")
	noSpawn := flag.Bool("no-spawn", false, "with -query, fail instead of spawning a missing daemon")
	verbose := flag.Bool("verbose", false, "log at debug level")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("promptd", Version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = promptd.SocketPath()
	}

	var err error
	switch {
	case *oneshot:
		err = runOneshot(*configFlag)
	case *query:
		err = runQuery(socketPath, *configFlag, *noSpawn)
	default:
		err = runDaemon(socketPath, *configFlag)
	}
	if err != nil {
		slog.Error("promptd failed", "error", err)
		os.Exit(1)
	}
}

func runDaemon(socketPath, configPath string) error {
	// The socket's filesystem permissions are the whole trust boundary;
	// it must come up owner-only.
	unix.Umask(0o077)

	cfg, err := promptd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dirs := dirinfo.New(cfg.Limits.GitTimeout())
	defer dirs.Close()

	renderer := prompt.New(dirs, cfg)

	srv, err := ipc.NewServer(socketPath, renderer, ipc.Options{
		MaxConcurrent: int64(cfg.Limits.MaxConnections),
		RenderTimeout: cfg.Limits.RenderTimeout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		err := promptd.WatchConfig(ctx, configPath, renderer.SetConfig)
		if err != nil && ctx.Err() == nil {
			// No watcher just means no hot reload; the daemon keeps
			// serving with what it has.
			slog.Warn("config watch unavailable", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	slog.Info("ready", "socket", socketPath, "version", Version)

	select {
	case err := <-serveErr:
		srv.Close()
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Limits.DrainTimeout())
		defer cancel()
		err := srv.Shutdown(drainCtx)
		<-serveErr
		return err
	}
}

// runOneshot renders a prompt from this process's own environment, printing
// the same shell source a daemon reply would carry.
func runOneshot(configPath string) error {
	cfg, err := promptd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if termenv.EnvNoColor() {
		noColor := true
		cfg.Prompt.NoColor = &noColor
	}

	env, err := protocol.Decode(protocol.EncodeEnviron(os.Environ()))
	if err != nil {
		env = protocol.Environ{}
	}
	if env.First("COLS", "COLUMNS") == "" {
		if w := terminalCols(os.Stdout); w > 0 {
			env["COLS"] = strconv.Itoa(w)
		}
	}

	dirs := dirinfo.New(cfg.Limits.GitTimeout())
	defer dirs.Close()

	renderer := prompt.New(dirs, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Limits.RenderTimeout())
	defer cancel()

	resp, err := renderer.Render(ctx, env)
	if err != nil {
		resp = renderer.Fallback()
	}
	_, err = os.Stdout.Write(resp.Encode())
	return err
}

// runQuery behaves exactly like the shell integration: dump the environment
// to the daemon, print its reply to stdout.
func runQuery(socketPath, configPath string, noSpawn bool) error {
	reply, err := ipc.Activate(socketPath, configPath, os.Environ(), !noSpawn)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(reply)
	return err
}

// terminalCols reports the width of the terminal f is attached to, or 0.
func terminalCols(f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}
