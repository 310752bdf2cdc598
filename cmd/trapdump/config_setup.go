package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"trapdump/internal/config"
	"trapdump/internal/klog"
)

// loadConfig reads --config, or the nearest trapdump.toml, and applies the
// persistent log flags on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Root().PersistentFlags()
	path, err := flags.GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	var cfg config.Config
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Discover(".")
	}
	if err != nil {
		return config.Config{}, err
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"log", &cfg.Log.Output},
		{"log-level", &cfg.Log.Level},
		{"log-mode", &cfg.Log.Mode},
		{"log-format", &cfg.Log.Format},
	}
	for _, o := range overrides {
		v, err := flags.GetString(o.flag)
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to get %s flag: %w", o.flag, err)
		}
		if v != "" {
			*o.dst = v
		}
	}
	return cfg, nil
}

// setupLogging opens the report sink described by cfg. The returned ring is
// non-nil when the mode keeps lines in memory.
func setupLogging(cmd *cobra.Command, cfg config.Config) (klog.Sink, *klog.RingSink, func(), error) {
	kc, err := cfg.Sink()
	if err != nil {
		return nil, nil, nil, err
	}
	if kc.OutputPath == "" || kc.OutputPath == "-" {
		kc.Output = struct{ io.Writer }{cmd.ErrOrStderr()}
	}
	sink, ring, err := klog.New(kc)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open report log: %w", err)
	}
	cleanup := func() {
		if err := sink.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "log: flush error: %v\n", err) //nolint:errcheck
		}
		if err := sink.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "log: close error: %v\n", err) //nolint:errcheck
		}
	}
	return sink, ring, cleanup, nil
}
