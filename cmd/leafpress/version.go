package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/greenstalk/leafpress/engine"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the engine version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(engine.EngineVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
