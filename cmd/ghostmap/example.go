package main

import (
	"github.com/spf13/cobra"

	"github.com/notargets/ghostmap/config"
)

var exampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an example scenario file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return config.WriteExample(cmd.OutOrStdout())
	},
}
