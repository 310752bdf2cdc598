package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"trapdump/internal/segment"
)

var segmentCmd = &cobra.Command{
	Use:   "segment <descriptor>",
	Short: "Decode a raw 64-bit segment descriptor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := segment.Parse(args[0])
		if err != nil {
			return err
		}
		for _, line := range segment.Decode(d).Lines() {
			fmt.Fprintln(cmd.OutOrStdout(), line) //nolint:errcheck
		}
		return nil
	},
}
