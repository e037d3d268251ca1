// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config parses nbkv-server's command-line flags and an optional
// YAML overlay, grounded on the teacher's internal/config package: flags
// always win over the file, and the file supplies the ambient settings
// (logging, which can also be set by flag, and the export schedule, which
// cannot).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportConfig configures the optional periodic snapshot export job run by
// internal/scheduler. A zero value disables it (empty Cron).
type ExportConfig struct {
	Cron     string `yaml:"cron"`      // e.g. "@every 5m"; empty disables
	S3Bucket string `yaml:"s3_bucket"` // optional; when set, exports go to s3://<bucket>/<dbfilename> instead of --dir
}

// Config is the fully resolved configuration for one nbkv-server process.
type Config struct {
	dir           string
	dbFilename    string
	port          int
	replicaOf     string
	logLevel      string
	logFormat     string
	export        ExportConfig
	replRateLimit int64
}

// fileOverlay is the shape of the optional --config YAML file: logging
// settings (also available as flags) and the export settings (file only).
type fileOverlay struct {
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Export ExportConfig `yaml:"export"`
}

// Dir is the directory the snapshot file is read from and exported to.
func (c *Config) Dir() string { return c.dir }

// DBFilename is the snapshot file name within Dir, or an "s3://" URI.
func (c *Config) DBFilename() string { return c.dbFilename }

// MaxMemory always reports unbounded: no eviction policy is implemented.
func (c *Config) MaxMemory() string { return "0" }

// Port is the TCP port the server listens on.
func (c *Config) Port() int { return c.port }

// ReplicaOf is the "<host> <port>" of a leader to replicate from, or empty
// to run as leader.
func (c *Config) ReplicaOf() string { return c.replicaOf }

// LogLevel and LogFormat select the slog handler built by internal/nbkvlog.
func (c *Config) LogLevel() string  { return c.logLevel }
func (c *Config) LogFormat() string { return c.logFormat }

// Export returns the periodic snapshot export settings.
func (c *Config) Export() ExportConfig { return c.export }

// ReplicaRateLimitBytesPerSec caps the byte rate of the snapshot transfer
// and write fan-out sent to each follower; 0 means unlimited.
func (c *Config) ReplicaRateLimitBytesPerSec() int64 { return c.replRateLimit }

// Addr is the listen address derived from Port, per spec: always bound to
// loopback.
func (c *Config) Addr() string {
	return "127.0.0.1:" + strconv.Itoa(c.port)
}

// Parse parses CLI flags (GNU-style --flag, via the standard flag package)
// and, when --config names a file, applies it afterward only to settings
// not given explicitly on the command line, so explicit flags always take
// precedence.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("nbkv-server", flag.ContinueOnError)

	dir := fs.String("dir", ".", "directory holding the snapshot file")
	dbFilename := fs.String("dbfilename", "dump.rdb", "snapshot file name, or s3://bucket/key")
	port := fs.Int("port", 6379, "TCP listen port")
	replicaOf := fs.String("replicaof", "", `"<host> <port>" of a leader to replicate from`)
	configPath := fs.String("config", "", "optional YAML file with logging/export settings")
	logLevel := fs.String("log-level", "info", "debug|info|warn|error")
	logFormat := fs.String("log-format", "json", "json|text")
	replRateLimit := fs.Int64("replica-rate-limit", 0, "max bytes/sec sent to each follower; 0 = unlimited")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		dir:           *dir,
		dbFilename:    *dbFilename,
		port:          *port,
		replicaOf:     *replicaOf,
		logLevel:      *logLevel,
		logFormat:     *logFormat,
		replRateLimit: *replRateLimit,
	}

	if *configPath != "" {
		overlay, err := loadOverlay(*configPath)
		if err != nil {
			return nil, fmt.Errorf("loading --config %s: %w", *configPath, err)
		}
		applyOverlay(cfg, overlay, fs)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOverlay(path string) (*fileOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var o fileOverlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// applyOverlay fills in logging/export settings from the YAML file, but
// only for flags the caller left at their default (flags explicitly passed
// on the command line always win).
func applyOverlay(cfg *Config, o *fileOverlay, fs *flag.FlagSet) {
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if !explicit["log-level"] && o.Logging.Level != "" {
		cfg.logLevel = o.Logging.Level
	}
	if !explicit["log-format"] && o.Logging.Format != "" {
		cfg.logFormat = o.Logging.Format
	}
	cfg.export = o.Export
}

func (c *Config) validate() error {
	if c.port <= 0 || c.port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.port)
	}
	if c.dir == "" {
		return fmt.Errorf("config: dir must not be empty")
	}
	if c.dbFilename == "" {
		return fmt.Errorf("config: dbfilename must not be empty")
	}
	if c.replicaOf != "" {
		if _, err := HostPortToAddr(c.replicaOf); err != nil {
			return fmt.Errorf("config: replicaof: %w", err)
		}
	}
	return nil
}

// HostPortToAddr converts the spec's "<host> <port>" --replicaof syntax
// into Go's "host:port" dial format.
func HostPortToAddr(s string) (string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return "", fmt.Errorf("expected \"<host> <port>\", got %q", s)
	}
	host, portStr := fields[0], fields[1]
	if _, err := strconv.Atoi(portStr); err != nil {
		return "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host + ":" + portStr, nil
}
