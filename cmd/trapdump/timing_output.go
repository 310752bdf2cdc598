package main

import (
	"fmt"
	"io"

	"trapdump/internal/fault"
)

func printPhaseTimings(out io.Writer, res fault.Result) {
	if out == nil || len(res.Timings.Phases) == 0 {
		return
	}
	fmt.Fprint(out, res.Timings.String()) //nolint:errcheck
}
