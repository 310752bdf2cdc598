// Package config loads trapdump.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"

	"trapdump/internal/klog"
	"trapdump/internal/unwind"
)

// FileName is the configuration file looked up from the working directory
// upwards.
const FileName = "trapdump.toml"

// Config is the decoded configuration. Zero values mean "use the default".
type Config struct {
	Path string `toml:"-"` // file the values came from, empty for defaults

	Log    LogConfig    `toml:"log"`
	Walk   WalkConfig   `toml:"walk"`
	Report ReportConfig `toml:"report"`
}

type LogConfig struct {
	Output   string `toml:"output"` // file path, "-" for stderr
	Append   bool   `toml:"append"`
	Mode     string `toml:"mode"`   // stream|ring|both
	Level    string `toml:"level"`  // off|fatal|info|debug
	Format   string `toml:"format"` // text|ndjson
	RingSize int64  `toml:"ring_size"`
}

type WalkConfig struct {
	MaxDepth int64 `toml:"max_depth"`
}

type ReportConfig struct {
	Timings bool  `toml:"timings"`
	Jobs    int64 `toml:"jobs"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Output:   "-",
			Mode:     "stream",
			Level:    "info",
			Format:   "text",
			RingSize: 4096,
		},
		Walk: WalkConfig{MaxDepth: unwind.DefaultMaxDepth},
	}
}

// Find looks for FileName in startDir and its parents.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Discover loads the nearest FileName, or the defaults when there is none.
func Discover(startDir string) (Config, error) {
	path, ok, err := Find(startDir)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Default(), nil
	}
	return Load(path)
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %q", path, undec[0].String())
	}
	if meta.IsDefined("walk", "max_depth") && cfg.Walk.MaxDepth <= 0 {
		return Config{}, fmt.Errorf("%s: [walk].max_depth must be positive", path)
	}
	if meta.IsDefined("log", "ring_size") && cfg.Log.RingSize <= 0 {
		return Config{}, fmt.Errorf("%s: [log].ring_size must be positive", path)
	}
	if meta.IsDefined("report", "jobs") && cfg.Report.Jobs < 0 {
		return Config{}, fmt.Errorf("%s: [report].jobs must not be negative", path)
	}
	cfg.Path = path
	if _, err := cfg.Sink(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Sink converts the [log] section into a klog configuration.
func (c Config) Sink() (klog.Config, error) {
	lvl, err := klog.ParseLevel(c.Log.Level)
	if err != nil {
		return klog.Config{}, err
	}
	mode, err := klog.ParseMode(c.Log.Mode)
	if err != nil {
		return klog.Config{}, err
	}
	format, err := klog.ParseFormat(c.Log.Format)
	if err != nil {
		return klog.Config{}, err
	}
	ring, err := safecast.Conv[int](c.Log.RingSize)
	if err != nil {
		return klog.Config{}, fmt.Errorf("ring_size: %w", err)
	}
	return klog.Config{
		Level:      lvl,
		Mode:       mode,
		Format:     format,
		OutputPath: c.Log.Output,
		Append:     c.Log.Append,
		RingSize:   ring,
	}, nil
}

// MaxDepth returns the walk bound as an int.
func (c Config) MaxDepth() int {
	n, err := safecast.Conv[int](c.Walk.MaxDepth)
	if err != nil || n <= 0 {
		return unwind.DefaultMaxDepth
	}
	return n
}

// Jobs returns the replay concurrency, 0 meaning one per CPU.
func (c Config) Jobs() int {
	n, err := safecast.Conv[int](c.Report.Jobs)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
