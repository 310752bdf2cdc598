// Package version carries the build identity of trapdump. The variables are
// set at build time via -ldflags "-X trapdump/internal/version.Version=...".
package version

import (
	"strings"

	"github.com/fatih/color"
)

var (
	// Version is the semantic version.
	Version = "0.1.0-dev"

	// GitCommit is an optional git commit hash.
	GitCommit = ""

	// BuildDate is an optional build date in ISO-8601.
	BuildDate = ""
)

var (
	majorColor = color.New(color.FgYellow, color.Bold)
	minorColor = color.New(color.FgGreen, color.Bold)
	patchColor = color.New(color.FgBlue, color.Bold)
)

// Identity is the one-line build identity logged at the top of every report.
func Identity() string {
	var sb strings.Builder
	sb.WriteString("trapdump ")
	sb.WriteString(Version)
	if GitCommit != "" {
		sb.WriteString(" (")
		sb.WriteString(shortCommit(GitCommit))
		if BuildDate != "" {
			sb.WriteString(", ")
			sb.WriteString(BuildDate)
		}
		sb.WriteString(")")
	} else if BuildDate != "" {
		sb.WriteString(" (")
		sb.WriteString(BuildDate)
		sb.WriteString(")")
	}
	return sb.String()
}

// Colored renders Version with each numeric component in its own color.
// Suffixes such as "-dev" are left plain.
func Colored() string {
	core, suffix := Version, ""
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core, suffix = core[:i], core[i:]
	}
	parts := strings.SplitN(core, ".", 3)
	if len(parts) != 3 {
		return Version
	}
	return majorColor.Sprint(parts[0]) + "." + minorColor.Sprint(parts[1]) + "." + patchColor.Sprint(parts[2]) + suffix
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
