package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/greenstalk/leafpress"
	"github.com/greenstalk/leafpress/bridge"
	"github.com/greenstalk/leafpress/history"
)

var runCmd = &cobra.Command{
	Use:   "run <image>",
	Short: "Process a single image",
	Long: `Process one image through the embedded runtime and print the path of
the produced file. With --json the full result (request id, metadata,
duration) is printed instead.`,
	Args: cobra.ExactArgs(1),
	Run:  runRun,
}

func init() {
	runCmd.Flags().StringP("output-dir", "o", "", "Directory for the processed image (default: runtime temp dir)")
	runCmd.Flags().Bool("json", false, "Print the full result as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	cfg, err := resolveSettings(cmd)
	if err != nil {
		fatal(err)
	}
	outputDir, _ := cmd.Flags().GetString("output-dir")
	asJSON, _ := cmd.Flags().GetBool("json")

	res, perr := leafpress.Process(cmd.Context(), args[0], leafpress.Options{
		BundleLocator: cfg.assets,
		RuntimeHome:   cfg.runtimeHome,
		OutputDir:     outputDir,
		Logger:        newLogger(cfg.verbose),
	})
	recordInvocation(cmd, cfg, args[0], res, perr)
	if perr != nil {
		fatal(perr)
	}

	if asJSON {
		out, _ := json.MarshalIndent(map[string]any{
			"request_id":  res.RequestID,
			"output_path": res.OutputPath,
			"metadata":    res.Metadata,
			"duration_ms": res.Duration.Milliseconds(),
		}, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(res.OutputPath)
}

// recordInvocation appends the outcome to the history database when one is
// configured. Only invocations that reached the engine carry a request id,
// so setup failures are not recorded.
func recordInvocation(cmd *cobra.Command, cfg settings, inputPath string, res *bridge.Result, perr error) {
	if cfg.historyDB == "" {
		return
	}

	e := history.Entry{InputPath: inputPath}
	switch {
	case res != nil:
		e.RequestID = res.RequestID
		e.OutputPath = res.OutputPath
		e.Status = "success"
		e.Duration = res.Duration
	default:
		var engErr *bridge.EngineError
		if !errors.As(perr, &engErr) {
			return
		}
		e.RequestID = engErr.RequestID
		e.Status = "error"
		e.Error = engErr.Message
	}

	s, err := history.Open(cfg.historyDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: history disabled: %v\n", err)
		return
	}
	defer s.Close()
	if err := s.Record(cmd.Context(), e); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: record history: %v\n", err)
	}
}
