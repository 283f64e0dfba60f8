// Command logux-server runs a standalone sync node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/logux/logux-server/config"
	"github.com/logux/logux-server/logger"
	"github.com/logux/logux-server/server"
	"github.com/logux/logux-server/version"
)

var (
	jsonLogs   bool
	verbose    int
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "logux-server",
	Short: "Logux sync server node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		logger.SetVerbosity(verbose)
		return logger.Initialize(jsonLogs)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		logger.Infow("starting logux-server", "version", version.Get().Version)
		return srv.Run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.Get().String())
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase log verbosity")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a logux.toml config file (defaults to the standard search path)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
