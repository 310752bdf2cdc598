package version

import (
	"testing"

	"github.com/fatih/color"
)

func withVars(t *testing.T, v, commit, date string) {
	t.Helper()
	origV, origC, origD := Version, GitCommit, BuildDate
	Version, GitCommit, BuildDate = v, commit, date
	t.Cleanup(func() { Version, GitCommit, BuildDate = origV, origC, origD })
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		version, commit, date string
		want                  string
	}{
		{"0.1.0-dev", "", "", "trapdump 0.1.0-dev"},
		{"1.2.3", "1234567890abcdef1234", "", "trapdump 1.2.3 (1234567890ab)"},
		{"1.2.3", "abc123", "2024-01-15", "trapdump 1.2.3 (abc123, 2024-01-15)"},
		{"1.2.3", "", "2024-01-15", "trapdump 1.2.3 (2024-01-15)"},
	}
	for _, tt := range tests {
		withVars(t, tt.version, tt.commit, tt.date)
		if got := Identity(); got != tt.want {
			t.Errorf("Identity() = %q, want %q", got, tt.want)
		}
	}
}

func TestColored(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	for _, v := range []string{"0.1.0-dev", "1.2.3", "1.2.3-rc.1+build.123", "nightly"} {
		withVars(t, v, "", "")
		if got := Colored(); got != v {
			t.Errorf("Colored() with colors off = %q, want %q", got, v)
		}
	}
}
