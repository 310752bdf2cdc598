package klog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

var globalSeq uint64

// NextSeq returns a monotonically increasing sequence number.
func NextSeq() uint64 {
	return atomic.AddUint64(&globalSeq, 1)
}

// Line is one log record.
type Line struct {
	Time  time.Time
	Seq   uint64
	Level Level
	CPU   int // -1 when not tied to a CPU
	Text  string
}

// Format represents the output format of a stream sink.
type Format uint8

const (
	FormatText   Format = iota // the text only, as a kernel log would show it
	FormatNDJSON               // newline-delimited JSON
)

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "ndjson", "json":
		return FormatNDJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format: %q (expected: text|ndjson)", s)
	}
}

// FormatLine renders l including the trailing newline.
func FormatLine(l *Line, format Format) []byte {
	switch format {
	case FormatNDJSON:
		return formatNDJSON(l)
	default:
		return formatText(l)
	}
}

func formatText(l *Line) []byte {
	b := make([]byte, 0, len(l.Text)+1)
	b = append(b, strings.TrimRight(l.Text, "\n")...)
	return append(b, '\n')
}

func formatNDJSON(l *Line) []byte {
	type jsonLine struct {
		Time  string `json:"time"`
		Seq   uint64 `json:"seq"`
		Level string `json:"level"`
		CPU   *int   `json:"cpu,omitempty"`
		Text  string `json:"text"`
	}
	j := jsonLine{
		Time:  l.Time.Format("2006-01-02T15:04:05.000000Z07:00"),
		Seq:   l.Seq,
		Level: l.Level.String(),
		Text:  strings.TrimRight(l.Text, "\n"),
	}
	if l.CPU >= 0 {
		cpu := l.CPU
		j.CPU = &cpu
	}
	data, _ := json.Marshal(j)
	return append(data, '\n')
}
