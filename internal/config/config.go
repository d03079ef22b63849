// Package config derives the daemon's runtime configuration from the
// environment. Chimera deliberately has no configuration file: the
// recognized knobs are a handful of CHIMERA_* variables, everything
// else is fixed policy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults for a system-wide (service) installation.
const (
	DefaultSocketPath = "/run/chimera/api.sock"
	DefaultDBDir      = "/var/lib/chimera"
	DefaultDBFile     = "chimera.db"
)

// Config holds everything the daemon needs at startup.
type Config struct {
	// SocketPath is the Unix domain socket the API server binds.
	SocketPath string

	// DBPath is the SQLite analytic store file.
	DBPath string

	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string

	// LogFile, when set, redirects log output from stderr to a file.
	LogFile string

	// MetricsAddr, when set, enables the Prometheus HTTP exporter.
	MetricsAddr string
}

// FromEnv builds a Config from the CHIMERA_* environment variables,
// falling back to service-layout defaults.
func FromEnv() Config {
	cfg := Config{
		SocketPath:  os.Getenv("CHIMERA_API_SOCKET"),
		DBPath:      os.Getenv("CHIMERA_DB_PATH"),
		LogLevel:    os.Getenv("CHIMERA_LOG_LEVEL"),
		LogFile:     os.Getenv("CHIMERA_LOG_FILE"),
		MetricsAddr: os.Getenv("CHIMERA_METRICS_ADDR"),
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg
}

// defaultDBPath prefers the service directory and falls back to a
// data/ directory relative to the working directory for ad-hoc runs.
func defaultDBPath() string {
	if dirWritable(DefaultDBDir) {
		return filepath.Join(DefaultDBDir, DefaultDBFile)
	}
	return filepath.Join("data", DefaultDBFile)
}

// ResolveSocketPath returns the socket path to bind. If the configured
// path's parent directory cannot be created or written, it falls back
// to a per-user directory under the system temp directory so ad-hoc
// runs work without root.
func (c Config) ResolveSocketPath() string {
	parent := filepath.Dir(c.SocketPath)
	if err := os.MkdirAll(parent, 0o750); err == nil && dirWritable(parent) {
		return c.SocketPath
	}
	fallback := filepath.Join(os.TempDir(), fmt.Sprintf("chimera-%d", os.Getuid()))
	_ = os.MkdirAll(fallback, 0o750)
	return filepath.Join(fallback, filepath.Base(c.SocketPath))
}

func dirWritable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(dir, ".chimera-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return true
}
