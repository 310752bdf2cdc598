package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"trapdump/internal/capture"
	"trapdump/internal/version"
)

var captureCmd = &cobra.Command{
	Use:   "capture <scenario.toml>",
	Short: "Compile a TOML fault scenario into a capture file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		path, err := compileScenario(args[0], out)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path) //nolint:errcheck
		return nil
	},
}

func init() {
	captureCmd.Flags().StringP("output", "o", "", "capture file to write (default: scenario name with .tdc)")
}

// compileScenario writes the capture for the scenario at src and returns
// its path.
func compileScenario(src, dst string) (string, error) {
	s, err := capture.LoadScenario(src)
	if err != nil {
		return "", err
	}
	f, err := s.Compile()
	if err != nil {
		return "", fmt.Errorf("%s: %w", src, err)
	}
	if f.Build == "" {
		f.Build = version.Identity()
	}
	if dst == "" {
		dst = strings.TrimSuffix(src, filepath.Ext(src)) + ".tdc"
	}
	if err := capture.Save(dst, f); err != nil {
		return "", err
	}
	return dst, nil
}
