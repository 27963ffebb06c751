package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/yirzhou/beacon/config"
)

var (
	configPath string
	cfg        *config.Config
	logger     hclog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Edge job orchestration",
	Long:  `beacon assigns long-running jobs to edge workers, tracks them by heartbeat and reassigns the ones whose workers went quiet.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = cfg.Log.NewLogger("beacon")
		return nil
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("BEACON_CONFIG"), "path to the YAML configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(jobsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
