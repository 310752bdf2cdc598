package klog

import (
	"fmt"
	"strings"
)

// Level controls log verbosity.
type Level uint8

const (
	LevelOff   Level = iota // no logging
	LevelFatal              // fault description and disposition
	LevelInfo               // full report
	LevelDebug              // walker diagnostics
)

// String returns the string representation of Level.
func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelFatal:
		return "fatal"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "off":
		return LevelOff, nil
	case "fatal":
		return LevelFatal, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelOff, fmt.Errorf("invalid log level: %q (expected: off|fatal|info|debug)", s)
	}
}

// Allows reports whether a line at lvl passes a sink configured at l.
func (l Level) Allows(lvl Level) bool {
	return l != LevelOff && lvl != LevelOff && lvl <= l
}
