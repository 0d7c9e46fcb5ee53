// Command localmind is the CLI entrypoint of the inference server: a
// thin cobra command tree wiring internal/config, internal/gguf,
// internal/engine, internal/serve and internal/mcp together (generalizing
// the teacher's cmd/root.go rootCmd/runCmd shape from a one-shot
// simulation run to a long-running serve command).
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "localmind",
	Short: "Local-first LLM inference server",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to server config YAML")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replCmd)
	rootCmd.AddCommand(benchCmd)
}

// setLogLevel mirrors cmd/root.go's --log handling, promoted from a flag
// to the config file's logging.level field (spec: config is the single
// source of truth for a long-running server, unlike a one-shot sim run).
func setLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Fatalf("invalid log level %q: %v", level, err)
	}
	logrus.SetLevel(lvl)
}
