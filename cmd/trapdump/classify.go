package main

import (
	"fmt"
	"io"
	"strconv"

	"fortio.org/safecast"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"trapdump/internal/trap"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [code...]",
	Short: "Print trap messages for codes, or the whole table",
	RunE: func(cmd *cobra.Command, args []string) error {
		codes, err := parseTrapCodes(args)
		if err != nil {
			return err
		}
		printTrapTable(cmd.OutOrStdout(), codes)
		return nil
	},
}

func parseTrapCodes(args []string) ([]trap.Code, error) {
	if len(args) == 0 {
		codes := make([]trap.Code, trap.TableSize)
		for i := range codes {
			c, err := safecast.Conv[uint32](i)
			if err != nil {
				return nil, err
			}
			codes[i] = trap.Code(c)
		}
		return codes, nil
	}
	codes := make([]trap.Code, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid trap code %q", a)
		}
		codes = append(codes, trap.Code(v))
	}
	return codes, nil
}

func printTrapTable(out io.Writer, codes []trap.Code) {
	codeStyle := color.New(color.FgCyan)
	emptyStyle := color.New(color.Faint)
	unknownStyle := color.New(color.FgRed)

	for _, c := range codes {
		msg := trap.Classify(c)
		var rendered string
		switch {
		case !trap.Known(c):
			rendered = unknownStyle.Sprint(msg)
		case msg == "":
			rendered = emptyStyle.Sprint("(reserved)")
		default:
			rendered = msg
		}
		fmt.Fprintf(out, "%s  %s\n", codeStyle.Sprintf("%3d", uint32(c)), rendered) //nolint:errcheck
	}
}
