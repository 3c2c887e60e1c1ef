package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/greenstalk/leafpress/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent invocations",
	Run:   runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of entries")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) {
	cfg, err := resolveSettings(cmd)
	if err != nil {
		fatal(err)
	}
	if cfg.historyDB == "" {
		fatal(errors.New("no history database configured (use --history-db or the config file)"))
	}
	limit, _ := cmd.Flags().GetInt("limit")

	s, err := history.Open(cfg.historyDB)
	if err != nil {
		fatal(err)
	}
	defer s.Close()

	entries, err := s.Recent(cmd.Context(), limit)
	if err != nil {
		fatal(err)
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-7s  %s", e.CreatedAt.Local().Format(time.DateTime), e.Status, e.InputPath)
		if e.Status == "success" {
			line += " -> " + e.OutputPath
		} else if e.Error != "" {
			line += " (" + e.Error + ")"
		}
		fmt.Println(line)
	}
}
