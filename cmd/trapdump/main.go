package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"trapdump/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "trapdump",
	Short: "Fatal trap reports and call-stack reconstruction",
	Long: `trapdump replays captured fatal traps through the kernel fault reporter:
it walks the frame-pointer chain, decodes the code segment and trap frame,
and prints the same report the kernel would have logged.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		mode, err := cmd.Root().PersistentFlags().GetString("color")
		if err != nil {
			return err
		}
		return applyColorMode(mode)
	},
}

func init() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(segmentCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().String("config", "", "path to trapdump.toml (default: search upwards from the working directory)")
	rootCmd.PersistentFlags().String("log", "", "report log output file (\"-\" for stderr)")
	rootCmd.PersistentFlags().String("log-level", "", "report log level (off|fatal|info|debug)")
	rootCmd.PersistentFlags().String("log-mode", "", "report log mode (stream|ring|both)")
	rootCmd.PersistentFlags().String("log-format", "", "report log format (text|ndjson)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func applyColorMode(mode string) error {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
		color.NoColor = !isTerminal(os.Stdout)
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		return fmt.Errorf("invalid --color value %q (expected auto|on|off)", mode)
	}
	return nil
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
