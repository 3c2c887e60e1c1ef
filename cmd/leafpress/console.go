package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/greenstalk/leafpress/bridge"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive processing console",
	Long: `Start an interactive console with the runtime kept warm between
images. Each line is the path of an image to process.

Commands:
  version        print the engine version
  exit / quit    end the session (Ctrl+D also works)`,
	Run: runConsole,
}

func init() {
	consoleCmd.Flags().String("history", "", "Readline history file (default: ~/.leafpress_history)")
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) {
	cfg, err := resolveSettings(cmd)
	if err != nil {
		fatal(err)
	}
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".leafpress_history")
	}

	ctx := cmd.Context()
	b := bridge.New(bridge.WithLogger(newLogger(cfg.verbose)))
	if err := b.Initialize(ctx, cfg.assets, initOptions(cfg)...); err != nil {
		fatal(err)
	}
	defer b.Shutdown(ctx)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "leafpress> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fatal(fmt.Errorf("initializing readline: %w", err))
	}
	defer rl.Close()

	version, _ := b.Version(ctx)
	fmt.Fprintf(os.Stderr, "leafpress console, engine %s (type 'exit' to quit)\n", version)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return
		case "version":
			if v, verr := b.Version(ctx); verr == nil {
				fmt.Println(v)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", verr)
			}
			continue
		}

		res, ierr := b.Invoke(ctx, line)
		if ierr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ierr)
			continue
		}
		fmt.Printf("%s (%s)\n", res.OutputPath, res.Duration.Round(time.Millisecond))
	}
}
