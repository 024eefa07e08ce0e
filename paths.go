package promptd

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketPath returns the Unix socket the daemon binds and clients dial.
// Resolution order: $PROMPTD_SOCKET > $XDG_RUNTIME_DIR/promptd.sock >
// /tmp/promptd-$UID.sock
func SocketPath() string {
	if path := os.Getenv("PROMPTD_SOCKET"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "promptd.sock")
	}
	return fmt.Sprintf("/tmp/promptd-%d.sock", os.Getuid())
}

// LogPath returns where a spawned daemon redirects its stderr. It lives next
// to the socket so both stay on the same per-user tmpfs.
func LogPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "promptd.log")
	}
	return fmt.Sprintf("/tmp/promptd-%d.log", os.Getuid())
}

// ConfigDir returns the config directory path.
// Resolution order: $PROMPTD_CONFIG_DIR > $XDG_CONFIG_HOME/promptd > ~/.config/promptd
func ConfigDir() string {
	if dir := os.Getenv("PROMPTD_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "promptd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "promptd-config")
	}
	return filepath.Join(home, ".config", "promptd")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}
