package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/greenstalk/leafpress/bridge"
	"github.com/greenstalk/leafpress/engine"
)

var rootCmd = &cobra.Command{
	Use:   "leafpress",
	Short: "Image processing through an embedded script runtime",
	Long: `leafpress - Process images with the bundled script runtime.

The runtime ships as a WebAssembly bundle (` + engine.ArchiveName + `) and is
located automatically next to the executable; use --assets to point at a
different bundle or its directory.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("assets", "a", "", "Runtime bundle file or directory (default: auto-detect)")
	rootCmd.PersistentFlags().String("runtime-home", "", "Override the script runtime's home directory")
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("history-db", "", "SQLite file for the invocation history (empty disables)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// fileConfig is the optional YAML config. Flags take precedence over it.
type fileConfig struct {
	Assets      string `yaml:"assets"`
	RuntimeHome string `yaml:"runtime_home"`
	HistoryDB   string `yaml:"history_db"`
}

type settings struct {
	assets      string
	runtimeHome string
	historyDB   string
	verbose     bool
}

func resolveSettings(cmd *cobra.Command) (settings, error) {
	flags := cmd.Root().PersistentFlags()

	var s settings
	s.verbose, _ = flags.GetBool("verbose")

	if path, _ := flags.GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return s, fmt.Errorf("parse config %s: %w", path, err)
		}
		s.assets = fc.Assets
		s.runtimeHome = fc.RuntimeHome
		s.historyDB = fc.HistoryDB
	}

	if v, _ := flags.GetString("assets"); v != "" {
		s.assets = v
	}
	if v, _ := flags.GetString("runtime-home"); v != "" {
		s.runtimeHome = v
	}
	if v, _ := flags.GetString("history-db"); v != "" {
		s.historyDB = v
	}
	return s, nil
}

// newLogger builds the CLI logger and installs it for the engine layer.
func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	engine.SetLogger(log)
	return log
}

func initOptions(s settings) []bridge.InitOption {
	var opts []bridge.InitOption
	if s.runtimeHome != "" {
		opts = append(opts, bridge.WithRuntimeHome(s.runtimeHome))
	}
	return opts
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
