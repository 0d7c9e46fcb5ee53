package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/localmind/localmind/internal/config"
	"github.com/localmind/localmind/internal/termui"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive terminal chat loop against the in-process engine",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			logrus.Fatalf("config: %v", err)
		}
		setLogLevel(cfg.Logging.Level)

		srv, registry, err := buildServer(cfg)
		if err != nil {
			logrus.Fatalf("repl: %v", err)
		}
		if registry != nil {
			defer registry.Close()
		}

		termui.Run(srv.Pipeline, cfg.Sampler, os.Stdin, os.Stdout)
	},
}
